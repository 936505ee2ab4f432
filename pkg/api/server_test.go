package api_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattyonweb/tbsm/pkg/api"
	"github.com/mattyonweb/tbsm/pkg/contracts"
	"github.com/mattyonweb/tbsm/pkg/engine"
	"github.com/mattyonweb/tbsm/pkg/insolvency"
	"github.com/mattyonweb/tbsm/pkg/rating"
	"github.com/mattyonweb/tbsm/pkg/store"
	"github.com/mattyonweb/tbsm/pkg/sweep"
)

var day0 = time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

func sequence() func() string {
	var mu sync.Mutex
	n := 0
	return func() string {
		mu.Lock()
		defer mu.Unlock()
		n++
		return fmt.Sprintf("id-%04d", n)
	}
}

type testServer struct {
	engine  *engine.Engine
	handler http.Handler
}

// newTestServer builds an engine where acme owes bank 1000 eur on day 30
// under draft contract c1. The server clock reads day 0.
func newTestServer(t *testing.T, acmeFunds int64, opts ...api.Option) *testServer {
	t.Helper()
	ctx := context.Background()
	e, err := engine.New(store.NewMemoryStore(), engine.WithIDFunc(sequence()))
	require.NoError(t, err)

	_, err = e.CreateAsset(ctx, "eur", contracts.Currency{Unit: "eur"})
	require.NoError(t, err)
	for _, id := range []string{"acme", "bank"} {
		_, err = e.CreateParticipant(ctx, contracts.Participant{ID: id, Name: id})
		require.NoError(t, err)
	}
	if acmeFunds > 0 {
		_, err = e.Issue(ctx, "acme", "eur", decimal.NewFromInt(acmeFunds))
		require.NoError(t, err)
	}
	_, err = e.CreateContract(ctx, contracts.Contract{
		ID:             "c1",
		Principal:      decimal.NewFromInt(1000),
		IssuerID:       "acme",
		CounterpartyID: "bank",
		Templates: []contracts.RepaymentTemplate{{
			Trigger: contracts.RelativeOffset{Days: 30},
			Payer:   contracts.RoleSeller,
			Payee:   contracts.RoleBuyer,
			AssetID: "eur",
			Amount:  contracts.Fixed{Quantity: decimal.NewFromInt(1000)},
		}},
	}, day0)
	require.NoError(t, err)

	opts = append([]api.Option{api.WithClock(func() time.Time { return day0 })}, opts...)
	return &testServer{engine: e, handler: api.NewServer(e, opts...).Routes()}
}

func (s *testServer) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.RemoteAddr = "192.0.2.1:1234"
	rr := httptest.NewRecorder()
	s.handler.ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &v), rr.Body.String())
	return v
}

func TestHealthz(t *testing.T) {
	s := newTestServer(t, 0)
	rr := s.do(t, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rr.Body.String())
}

func TestActivateThenSweep(t *testing.T) {
	s := newTestServer(t, 1000)

	rr := s.do(t, http.MethodPost, "/v1/contracts/c1/activation", "")
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	c := decode[contracts.Contract](t, rr)
	assert.Equal(t, contracts.ContractActive, c.State)
	require.NotNil(t, c.ActivatedAt)
	assert.True(t, c.ActivatedAt.Equal(day0), "omitted time uses the server clock")

	rr = s.do(t, http.MethodPost, "/v1/sweeps", `{"now":"2024-03-20T00:00:00Z"}`)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Empty(t, decode[sweep.Report](t, rr).Settled, "nothing is due before day 30")

	rr = s.do(t, http.MethodPost, "/v1/sweeps", `{"now":"2024-04-01T00:00:00Z"}`)
	require.Equal(t, http.StatusOK, rr.Code)
	report := decode[sweep.Report](t, rr)
	require.Len(t, report.Settled, 1)
	assert.Equal(t, "1000", report.Settled[0].Amount.String())

	rr = s.do(t, http.MethodGet, "/v1/contracts/c1", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, contracts.ContractCompleted, decode[contracts.Contract](t, rr).State)

	rr = s.do(t, http.MethodGet, "/v1/obligations/"+report.Settled[0].ID+"/journal", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), report.Settled[0].ID)
}

func TestActivate_Refused(t *testing.T) {
	s := newTestServer(t, 0)
	require.Equal(t, http.StatusOK, s.do(t, http.MethodPost, "/v1/contracts/c1/activation", "").Code)

	rr := s.do(t, http.MethodPost, "/v1/contracts/c1/activation", `{"at":"2024-03-02T00:00:00Z"}`)
	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)
	assert.Equal(t, "application/problem+json", rr.Header().Get("Content-Type"))
	problem := decode[api.ProblemDetail](t, rr)
	assert.Equal(t, "Activation Refused", problem.Title)
	assert.Contains(t, problem.Detail, "contract is active")
	assert.Equal(t, "/v1/contracts/c1/activation", problem.Instance)
	assert.NotEmpty(t, problem.TraceID)
}

func TestNotFound(t *testing.T) {
	s := newTestServer(t, 0)
	for _, tc := range []struct{ method, path string }{
		{http.MethodPost, "/v1/contracts/nope/activation"},
		{http.MethodGet, "/v1/contracts/nope"},
		{http.MethodGet, "/v1/participants/nope"},
		{http.MethodGet, "/v1/participants/nope/rating"},
		{http.MethodPost, "/v1/participants/nope/insolvency"},
		{http.MethodGet, "/v1/obligations/nope"},
		{http.MethodGet, "/v1/obligations/nope/journal"},
		{http.MethodPost, "/v1/obligations/nope/waiver"},
	} {
		t.Run(tc.method+" "+tc.path, func(t *testing.T) {
			rr := s.do(t, tc.method, tc.path, "")
			assert.Equal(t, http.StatusNotFound, rr.Code, rr.Body.String())
		})
	}
}

func TestBadRequests(t *testing.T) {
	s := newTestServer(t, 0)
	assert.Equal(t, http.StatusBadRequest, s.do(t, http.MethodPost, "/v1/sweeps", `{"now":`).Code)
	assert.Equal(t, http.StatusBadRequest, s.do(t, http.MethodPost, "/v1/sweeps", `{"now":"yesterday"}`).Code)
	assert.Equal(t, http.StatusBadRequest, s.do(t, http.MethodGet, "/v1/obligations?due=soon", "").Code)
	assert.Equal(t, http.StatusBadRequest, s.do(t, http.MethodGet, "/v1/obligations?status=late", "").Code)
}

func TestInsolvency(t *testing.T) {
	s := newTestServer(t, 0)
	require.Equal(t, http.StatusOK, s.do(t, http.MethodPost, "/v1/contracts/c1/activation", "").Code)

	rr := s.do(t, http.MethodPost, "/v1/participants/acme/insolvency", `{"at":"2024-03-05T00:00:00Z"}`)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	res := decode[insolvency.Result](t, rr)
	assert.False(t, res.AlreadyInsolvent)
	assert.Equal(t, []string{"c1"}, res.DefaultedContracts)
	require.Len(t, res.DefaultedObligations, 1)

	rr = s.do(t, http.MethodGet, "/v1/participants/acme", "")
	require.Equal(t, http.StatusOK, rr.Code)
	p := decode[contracts.Participant](t, rr)
	require.NotNil(t, p.InsolventSince)
	assert.True(t, p.InsolventSince.Equal(time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC)))

	rr = s.do(t, http.MethodGet, "/v1/obligations?contract=c1&status=defaulted", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Len(t, decode[[]*contracts.Obligation](t, rr), 1)

	rr = s.do(t, http.MethodPost, "/v1/participants/acme/insolvency", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.True(t, decode[insolvency.Result](t, rr).AlreadyInsolvent)
}

func TestWaiver(t *testing.T) {
	s := newTestServer(t, 0)
	require.Equal(t, http.StatusOK, s.do(t, http.MethodPost, "/v1/contracts/c1/activation", "").Code)

	rr := s.do(t, http.MethodGet, "/v1/obligations?due=2024-03-31T00:00:00Z", "")
	require.Equal(t, http.StatusOK, rr.Code)
	due := decode[[]*contracts.Obligation](t, rr)
	require.Len(t, due, 1)
	id := due[0].ID

	rr = s.do(t, http.MethodPost, "/v1/obligations/"+id+"/waiver", `{"at":"2024-03-10T00:00:00Z"}`)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, contracts.StatusWaived, decode[contracts.Obligation](t, rr).Status)

	rr = s.do(t, http.MethodPost, "/v1/obligations/"+id+"/waiver", "")
	assert.Equal(t, http.StatusConflict, rr.Code)
	assert.Equal(t, "Consistency Violation", decode[api.ProblemDetail](t, rr).Title)
}

func TestRating(t *testing.T) {
	s := newTestServer(t, 0)
	rr := s.do(t, http.MethodGet, "/v1/participants/bank/rating", "")
	require.Equal(t, http.StatusOK, rr.Code)
	r := decode[rating.Rating](t, rr)
	assert.True(t, r.Newbie)
	assert.Equal(t, "bank", r.ParticipantID)
}

func TestClientLimiter(t *testing.T) {
	s := newTestServer(t, 0, api.WithClientLimiter(api.NewClientLimiter(0.001, 2)))
	assert.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/v1/contracts/c1", "").Code)
	assert.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/v1/contracts/c1", "").Code)

	rr := s.do(t, http.MethodGet, "/v1/contracts/c1", "")
	assert.Equal(t, http.StatusTooManyRequests, rr.Code)
	assert.NotEmpty(t, rr.Header().Get("Retry-After"))

	assert.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/healthz", "").Code, "health checks are not limited")
}
