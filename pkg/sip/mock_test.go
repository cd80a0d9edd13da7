package sip

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/stretchr/testify/require"
)

// mockClientTx клиентская транзакция для тестов без сети.
type mockClientTx struct {
	responses chan *sip.Response
	done      chan struct{}
	err       error
	once      sync.Once
}

var _ sip.ClientTransaction = (*mockClientTx)(nil)

func newMockClientTx() *mockClientTx {
	return &mockClientTx{
		responses: make(chan *sip.Response, 8),
		done:      make(chan struct{}),
	}
}

func (t *mockClientTx) Responses() <-chan *sip.Response          { return t.responses }
func (t *mockClientTx) Done() <-chan struct{}                    { return t.done }
func (t *mockClientTx) Err() error                               { return t.err }
func (t *mockClientTx) Cancel() error                            { return nil }
func (t *mockClientTx) OnTerminate(_ sip.FnTxTerminate) bool     { return false }
func (t *mockClientTx) OnRetransmission(_ sip.FnTxResponse) bool { return false }
func (t *mockClientTx) Terminate() {
	t.once.Do(func() { close(t.done) })
}

func (t *mockClientTx) respond(res *sip.Response) {
	t.responses <- res
}

// sentRequest снимок запроса на момент отправки: запрос мутируется при
// повторе с аутентификацией, поэтому значения фиксируются копией.
type sentRequest struct {
	method        sip.RequestMethod
	cseq          uint32
	callID        string
	authorization string
	toTag         string
	tx            *mockClientTx
}

// mockTransactionLayer подменяет клиент sipgo в тестах.
type mockTransactionLayer struct {
	mu      sync.Mutex
	sent    []sentRequest
	written []*sip.Request

	// respond вызывается для каждой созданной транзакции.
	respond func(req *sip.Request, tx *mockClientTx)
}

func snapshotRequest(req *sip.Request, tx *mockClientTx) sentRequest {
	rec := sentRequest{method: req.Method, tx: tx}
	if cseq := req.CSeq(); cseq != nil {
		rec.cseq = cseq.SeqNo
	}
	if callID := req.CallID(); callID != nil {
		rec.callID = callID.Value()
	}
	if h := req.GetHeader("Authorization"); h != nil {
		rec.authorization = h.Value()
	}
	if to := req.To(); to != nil && to.Params != nil {
		if tag, ok := to.Params.Get("tag"); ok {
			rec.toTag = tag
		}
	}
	return rec
}

func (m *mockTransactionLayer) TransactionRequest(_ context.Context, req *sip.Request, _ ...sipgo.ClientRequestOption) (sip.ClientTransaction, error) {
	tx := newMockClientTx()

	m.mu.Lock()
	m.sent = append(m.sent, snapshotRequest(req, tx))
	handler := m.respond
	m.mu.Unlock()

	if handler != nil {
		go handler(req, tx)
	}
	return tx, nil
}

func (m *mockTransactionLayer) WriteRequest(req *sip.Request, _ ...sipgo.ClientRequestOption) error {
	m.mu.Lock()
	m.written = append(m.written, req)
	m.mu.Unlock()
	return nil
}

func (m *mockTransactionLayer) sentCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent)
}

func (m *mockTransactionLayer) sentAt(i int) sentRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sent[i]
}

func (m *mockTransactionLayer) writtenRequests() []*sip.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*sip.Request, len(m.written))
	copy(out, m.written)
	return out
}

func newTestStack(t *testing.T) (*Stack, *mockTransactionLayer) {
	t.Helper()

	stack, err := NewStack(Config{
		ServerHost: "trunk.test",
		ServerPort: 5060,
		Username:   "abmix",
		Password:   "secret",
		LocalHost:  "127.0.0.1",
		LocalPort:  5990,
	})
	require.NoError(t, err)

	mock := &mockTransactionLayer{}
	stack.tl = mock
	return stack, mock
}

// waitEvent дожидается события нужного типа, пропуская остальные.
func waitEvent(t *testing.T, s *Stack, typ EventType) Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-s.Events():
			if ev.Type == typ {
				return ev
			}
		case <-deadline:
			t.Fatalf("событие %s не получено", typ)
			return Event{}
		}
	}
}

// okResponse строит 200 OK с remote tag, Contact и телом.
func okResponse(req *sip.Request, remoteTag string, body []byte) *sip.Response {
	res := sip.NewResponseFromRequest(req, sip.StatusOK, "OK", body)
	if to := res.To(); to != nil {
		to.Params = sip.NewParams().Add("tag", remoteTag)
	}
	res.AppendHeader(&sip.ContactHeader{
		Address: sip.Uri{User: "gw", Host: "198.51.100.7", Port: 5080},
	})
	return res
}
