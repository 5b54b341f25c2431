// Package main runs the prescription chaincode, either launched by a Fabric peer or as an
// external chaincode service when CHAINCODE_ID and CHAINCODE_SERVER_ADDRESS are set.
package main

import (
	"fmt"
	"os"

	"github.com/hyperledger/fabric-chaincode-go/v2/shim"
	"go.uber.org/zap"

	"github.com/umodzi/rxledger/internal/chaincode"
	"github.com/umodzi/rxledger/internal/observability/logging"
)

func main() {
	level := os.Getenv("CHAINCODE_LOG_LEVEL")
	if level == "" {
		level = "info"
	}
	logger, err := logging.New(level, "prescription-chaincode")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer logger.Sync()

	cc := chaincode.New(logger)

	ccid, addr := os.Getenv("CHAINCODE_ID"), os.Getenv("CHAINCODE_SERVER_ADDRESS")
	if ccid != "" && addr != "" {
		server := &shim.ChaincodeServer{
			CCID:     ccid,
			Address:  addr,
			CC:       cc,
			TLSProps: shim.TLSProperties{Disabled: true},
		}
		logger.Info("starting chaincode server", zap.String("ccid", ccid), zap.String("address", addr))
		if err := server.Start(); err != nil {
			logger.Fatal("chaincode server failed", zap.Error(err))
		}
		return
	}

	if err := shim.Start(cc); err != nil {
		logger.Fatal("chaincode failed", zap.Error(err))
	}
}
