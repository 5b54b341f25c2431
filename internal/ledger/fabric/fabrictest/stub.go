// Package fabrictest provides an in-memory chaincode stub with world state and key history.
package fabrictest

import (
	"sync"
	"time"

	"github.com/hyperledger/fabric-chaincode-go/v2/shim"
	"github.com/hyperledger/fabric-protos-go-apiv2/ledger/queryresult"
	"google.golang.org/protobuf/types/known/timestamppb"
)

// Stub implements the parts of shim.ChaincodeStubInterface the ledger uses. Writes commit
// immediately. Calling any other method panics through the nil embedded interface.
type Stub struct {
	shim.ChaincodeStubInterface

	mu      sync.Mutex
	state   map[string][]byte
	history map[string][]*queryresult.KeyModification
	txID    string
	txTime  time.Time
	args    [][]byte

	// Tick advances the transaction clock after each write when no explicit tx time is set.
	Tick time.Duration

	// Injected failures.
	PutErr     error
	GetErr     error
	HistoryErr error
}

// NewStub returns an empty stub whose clock starts at start.
func NewStub(start time.Time) *Stub {
	return &Stub{
		state:   make(map[string][]byte),
		history: make(map[string][]*queryresult.KeyModification),
		txID:    "tx0",
		txTime:  start,
		Tick:    time.Millisecond,
	}
}

// SetTx starts a new transaction id at the given time.
func (s *Stub) SetTx(id string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.txID = id
	s.txTime = at
}

// SetArgs sets the function name and string parameters of the next invocation.
func (s *Stub) SetArgs(function string, params ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.args = [][]byte{[]byte(function)}
	for _, p := range params {
		s.args = append(s.args, []byte(p))
	}
}

func (s *Stub) GetArgs() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.args
}

func (s *Stub) GetStringArgs() []string {
	args := s.GetArgs()
	out := make([]string, len(args))
	for i, a := range args {
		out[i] = string(a)
	}
	return out
}

func (s *Stub) GetFunctionAndParameters() (string, []string) {
	args := s.GetStringArgs()
	if len(args) == 0 {
		return "", []string{}
	}
	return args[0], args[1:]
}

func (s *Stub) GetTxID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.txID
}

func (s *Stub) GetTxTimestamp() (*timestamppb.Timestamp, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return timestamppb.New(s.txTime), nil
}

func (s *Stub) GetState(key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.GetErr != nil {
		return nil, s.GetErr
	}
	v, ok := s.state[key]
	if !ok {
		return nil, nil
	}
	return append([]byte(nil), v...), nil
}

func (s *Stub) PutState(key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.PutErr != nil {
		return s.PutErr
	}
	v := append([]byte(nil), value...)
	s.state[key] = v
	s.record(key, v, false)
	return nil
}

func (s *Stub) DelState(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.state[key]; !ok {
		return nil
	}
	delete(s.state, key)
	s.record(key, nil, true)
	return nil
}

func (s *Stub) record(key string, value []byte, isDelete bool) {
	s.history[key] = append(s.history[key], &queryresult.KeyModification{
		TxId:      s.txID,
		Value:     value,
		Timestamp: timestamppb.New(s.txTime),
		IsDelete:  isDelete,
	})
	s.txTime = s.txTime.Add(s.Tick)
}

// GetHistoryForKey returns the modifications newest first, the order Fabric peers use.
func (s *Stub) GetHistoryForKey(key string) (shim.HistoryQueryIteratorInterface, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.HistoryErr != nil {
		return nil, s.HistoryErr
	}
	mods := s.history[key]
	out := make([]*queryresult.KeyModification, 0, len(mods))
	for i := len(mods) - 1; i >= 0; i-- {
		out = append(out, mods[i])
	}
	return &historyIterator{mods: out}, nil
}

type historyIterator struct {
	mods []*queryresult.KeyModification
	next int
}

func (it *historyIterator) HasNext() bool { return it.next < len(it.mods) }

func (it *historyIterator) Next() (*queryresult.KeyModification, error) {
	m := it.mods[it.next]
	it.next++
	return m, nil
}

func (it *historyIterator) Close() error { return nil }
