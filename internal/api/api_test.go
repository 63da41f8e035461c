package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/0gfoundation/0g-zkap-authorizer/internal/clock"
	"github.com/0gfoundation/0g-zkap-authorizer/internal/controller"
	"github.com/0gfoundation/0g-zkap-authorizer/internal/ledger"
	"github.com/0gfoundation/0g-zkap-authorizer/internal/price"
	"github.com/0gfoundation/0g-zkap-authorizer/internal/recovery"
	"github.com/0gfoundation/0g-zkap-authorizer/internal/redeemer"
	"github.com/0gfoundation/0g-zkap-authorizer/internal/replica"
	"github.com/0gfoundation/0g-zkap-authorizer/internal/replicate"
	"github.com/0gfoundation/0g-zkap-authorizer/internal/version"
)

func init() { gin.SetMode(gin.TestMode) }

const (
	testToken      = "api-token"
	testVoucher    = "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAB"
	testTokenCount = 5
	testPassValue  = 1000
)

var epoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeReplicator struct {
	capability string
	err        error
}

func (f *fakeReplicator) Setup(context.Context) (string, error) { return f.capability, f.err }

type fixture struct {
	engine     *gin.Engine
	store      *ledger.Store
	ctrl       *controller.Controller
	clock      *clock.FakeClock
	replicator *fakeReplicator
}

type options struct {
	redeemer redeemer.Redeemer
	download recovery.Downloader
}

func newFixture(t *testing.T, opts options) *fixture {
	t.Helper()
	clk := clock.Fake(epoch)
	store, err := ledger.Open(context.Background(), ledger.Config{
		Path:      filepath.Join(t.TempDir(), "ledger.db"),
		PoolSize:  2,
		PassValue: testPassValue,
		Clock:     clk,
		Logger:    zap.NewNop(),
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	if opts.redeemer == nil {
		key, err := crypto.GenerateKey()
		if err != nil {
			t.Fatal(err)
		}
		opts.redeemer = redeemer.NewDummy(key)
	}
	if opts.download == nil {
		opts.download = func(context.Context, replica.Capability, func(recovery.Stage)) (*replica.Replica, error) {
			return &replica.Replica{}, nil
		}
	}
	ctrl := controller.New(store, opts.redeemer, controller.Config{DefaultTokenCount: testTokenCount}, zap.NewNop())
	t.Cleanup(ctrl.Close)

	calc, err := price.NewCalculator(1, 1, testPassValue)
	if err != nil {
		t.Fatal(err)
	}
	rep := &fakeReplicator{capability: "ro:registry.example.com/zkap/node:ledger"}
	h := NewHandler(Deps{
		Controller:       ctrl,
		Store:            store,
		Calculator:       calc,
		MinTimeRemaining: 10 * 24 * time.Hour,
		Replicator:       rep,
		Recoverer:        recovery.New(store, opts.download, zap.NewNop()),
		Log:              zap.NewNop(),
	})

	r := gin.New()
	h.Register(r.Group("/", Middleware(testToken)))
	return &fixture{engine: r, store: store, ctrl: ctrl, clock: clk, replicator: rep}
}

func (f *fixture) do(t *testing.T, method, path, body string, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Authorization", "tahoe-lafs "+testToken)
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	f.engine.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
	return out
}

// ── Authorization ──────────────────────────────────────────────────────────

func TestMiddleware(t *testing.T) {
	f := newFixture(t, options{})
	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"wrong scheme", "Bearer " + testToken, http.StatusUnauthorized},
		{"wrong token", "tahoe-lafs nope", http.StatusUnauthorized},
		{"valid", "tahoe-lafs " + testToken, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/version", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			f.engine.ServeHTTP(w, req)
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d", w.Code, tt.want)
			}
		})
	}
}

func TestVersion(t *testing.T) {
	f := newFixture(t, options{})
	w := f.do(t, http.MethodGet, "/version", "")
	if got := decode(t, w)["version"]; got != version.Version {
		t.Errorf("version = %v, want %q", got, version.Version)
	}
}

// ── Vouchers ───────────────────────────────────────────────────────────────

func TestPutVoucher_RedeemsInBackground(t *testing.T) {
	f := newFixture(t, options{})

	w := f.do(t, http.MethodPut, "/voucher", `{"voucher":"`+testVoucher+`"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("PUT status = %d: %s", w.Code, w.Body.String())
	}
	f.ctrl.Wait()

	w = f.do(t, http.MethodGet, "/voucher/"+testVoucher, "")
	if w.Code != http.StatusOK {
		t.Fatalf("GET status = %d", w.Code)
	}
	var v ledger.Voucher
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatal(err)
	}
	if v.State.Kind != ledger.StateRedeemed || v.State.TokenCount != testTokenCount {
		t.Errorf("state = %+v, want redeemed with %d tokens", v.State, testTokenCount)
	}
}

func TestPutVoucher_RedeemingVisibleImmediately(t *testing.T) {
	f := newFixture(t, options{redeemer: redeemer.Non{}})

	f.do(t, http.MethodPut, "/voucher", `{"voucher":"`+testVoucher+`"}`)
	w := f.do(t, http.MethodGet, "/voucher/"+testVoucher, "")
	state := decode(t, w)["state"].(map[string]any)
	if state["name"] != "redeeming" || state["counter"] != float64(0) {
		t.Errorf("state = %v, want redeeming at counter 0", state)
	}
}

func TestPutVoucher_Idempotent(t *testing.T) {
	f := newFixture(t, options{})
	for range 2 {
		if w := f.do(t, http.MethodPut, "/voucher", `{"voucher":"`+testVoucher+`"}`); w.Code != http.StatusOK {
			t.Fatalf("PUT status = %d", w.Code)
		}
		f.ctrl.Wait()
	}
	w := f.do(t, http.MethodGet, "/voucher", "")
	vouchers := decode(t, w)["vouchers"].([]any)
	if len(vouchers) != 1 {
		t.Fatalf("vouchers = %d, want 1", len(vouchers))
	}
	state := vouchers[0].(map[string]any)["state"].(map[string]any)
	if state["name"] != "redeemed" {
		t.Errorf("state = %v, want redeemed", state)
	}
}

func TestPutVoucher_Malformed(t *testing.T) {
	f := newFixture(t, options{})
	for _, body := range []string{
		`not json`,
		`{}`,
		`{"voucher":"` + testVoucher + `","extra":1}`,
		`{"voucher":42}`,
		`{"voucher":"short"}`,
		`{"voucher":"` + strings.Repeat("!", 44) + `"}`,
	} {
		if w := f.do(t, http.MethodPut, "/voucher", body); w.Code != http.StatusBadRequest {
			t.Errorf("PUT %s: status = %d, want 400", body, w.Code)
		}
	}
}

func TestGetVoucher_Errors(t *testing.T) {
	f := newFixture(t, options{})
	if w := f.do(t, http.MethodGet, "/voucher/bogus", ""); w.Code != http.StatusBadRequest {
		t.Errorf("malformed: status = %d, want 400", w.Code)
	}
	if w := f.do(t, http.MethodGet, "/voucher/"+testVoucher, ""); w.Code != http.StatusNotFound {
		t.Errorf("unknown: status = %d, want 404", w.Code)
	}
}

func TestListVouchers_Empty(t *testing.T) {
	f := newFixture(t, options{})
	w := f.do(t, http.MethodGet, "/voucher", "")
	if got := w.Body.String(); got != `{"vouchers":[]}` {
		t.Errorf("body = %s", got)
	}
}

// ── Tokens and spending ────────────────────────────────────────────────────

func TestUnblindedToken_TotalAndSpending(t *testing.T) {
	f := newFixture(t, options{})
	ctx := context.Background()
	f.do(t, http.MethodPut, "/voucher", `{"voucher":"`+testVoucher+`"}`)
	f.ctrl.Wait()

	w := f.do(t, http.MethodGet, "/unblinded-token", "")
	body := decode(t, w)
	if body["total"] != float64(testTokenCount) {
		t.Errorf("total = %v, want %d", body["total"], testTokenCount)
	}
	if body["lease-maintenance-spending"] != nil {
		t.Errorf("spending = %v, want null", body["lease-maintenance-spending"])
	}

	activity, err := f.store.StartLeaseMaintenance(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if err := activity.Observe(ctx, []int64{1500, 500}); err != nil {
		t.Fatal(err)
	}
	if err := activity.Finish(ctx); err != nil {
		t.Fatal(err)
	}

	w = f.do(t, http.MethodGet, "/lease-maintenance", "")
	spending := decode(t, w)["spending"].(map[string]any)
	if spending["count"] != float64(2) {
		t.Errorf("count = %v, want 2", spending["count"])
	}
	if spending["when"] != epoch.Format(time.RFC3339Nano) {
		t.Errorf("when = %v", spending["when"])
	}
}

func TestCalculatePrice(t *testing.T) {
	f := newFixture(t, options{})
	w := f.do(t, http.MethodPost, "/calculate-price", `{"version":1,"sizes":[0,1000,1001]}`,
		"Content-Type", "application/json")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	body := decode(t, w)
	if body["price"] != float64(3) {
		t.Errorf("price = %v, want 3", body["price"])
	}
	wantPeriod := float64((21 * 24 * time.Hour) / time.Second)
	if body["period"] != wantPeriod {
		t.Errorf("period = %v, want %v", body["period"], wantPeriod)
	}
}

func TestCalculatePrice_Rejects(t *testing.T) {
	f := newFixture(t, options{})
	tests := []struct {
		name        string
		contentType string
		body        string
		want        int
	}{
		{"content type", "text/plain", `{"version":1,"sizes":[]}`, http.StatusUnsupportedMediaType},
		{"version", "application/json", `{"version":2,"sizes":[]}`, http.StatusBadRequest},
		{"extra property", "application/json", `{"version":1,"sizes":[],"x":0}`, http.StatusBadRequest},
		{"missing sizes", "application/json", `{"version":1}`, http.StatusBadRequest},
		{"sizes not a list", "application/json", `{"version":1,"sizes":"big"}`, http.StatusBadRequest},
		{"negative size", "application/json", `{"version":1,"sizes":[-1]}`, http.StatusBadRequest},
		{"fractional size", "application/json", `{"version":1,"sizes":[1.5]}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := f.do(t, http.MethodPost, "/calculate-price", tt.body, "Content-Type", tt.contentType)
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d", w.Code, tt.want)
			}
		})
	}
}

// ── Replication ────────────────────────────────────────────────────────────

func TestReplicate(t *testing.T) {
	f := newFixture(t, options{})

	w := f.do(t, http.MethodPost, "/replicate", "")
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201", w.Code)
	}
	if got := decode(t, w)["recovery-capability"]; got != f.replicator.capability {
		t.Errorf("capability = %v", got)
	}

	f.replicator.err = &replicate.AlreadySetupError{Capability: f.replicator.capability}
	w = f.do(t, http.MethodPost, "/replicate", "")
	if w.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", w.Code)
	}
	if got := decode(t, w)["recovery-capability"]; got != f.replicator.capability {
		t.Errorf("conflict capability = %v", got)
	}

	f.replicator.err = errors.New("surprise")
	w = f.do(t, http.MethodPost, "/replicate", "")
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", w.Code)
	}
	if got := decode(t, w)["reason"]; got != "surprise" {
		t.Errorf("reason = %v, want the setup failure", got)
	}
}

func TestInternalErrorIsGeneric(t *testing.T) {
	f := newFixture(t, options{})
	f.store.Close()

	w := f.do(t, http.MethodGet, "/voucher", "")
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", w.Code)
	}
	if got := decode(t, w)["reason"]; got != internalReason {
		t.Errorf("reason = %v, want %q", got, internalReason)
	}
}

// ── Recovery ───────────────────────────────────────────────────────────────

func dialRecover(t *testing.T, f *fixture) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(f.engine)
	t.Cleanup(srv.Close)
	header := http.Header{}
	header.Set("Authorization", "tahoe-lafs "+testToken)
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/recover", header)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })
	conn.SetReadDeadline(time.Now().Add(10 * time.Second)) //nolint:errcheck
	return conn
}

// readStatuses reads status messages until the server closes.
func readStatuses(t *testing.T, conn *websocket.Conn) ([]recovery.Status, *websocket.CloseError) {
	t.Helper()
	var out []recovery.Status
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			var ce *websocket.CloseError
			if !errors.As(err, &ce) {
				t.Fatalf("read: %v", err)
			}
			return out, ce
		}
		var st recovery.Status
		if err := json.Unmarshal(msg, &st); err != nil {
			t.Fatal(err)
		}
		out = append(out, st)
	}
}

func TestRecover_StreamsStages(t *testing.T) {
	f := newFixture(t, options{})
	conn := dialRecover(t, f)
	req := `{"recovery-capability":"ro:registry.example.com/zkap/node:ledger"}`
	if err := conn.WriteMessage(websocket.TextMessage, []byte(req)); err != nil {
		t.Fatal(err)
	}
	statuses, ce := readStatuses(t, conn)
	var got []recovery.Stage
	for _, st := range statuses {
		got = append(got, st.Stage)
	}
	want := []recovery.Stage{recovery.StageStarted, recovery.StageImporting, recovery.StageSucceeded}
	if len(got) != len(want) {
		t.Fatalf("stages = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("stages = %v, want %v", got, want)
		}
	}
	if ce.Code != websocket.CloseNormalClosure {
		t.Errorf("close code = %d", ce.Code)
	}
}

func TestRecover_ExistingState(t *testing.T) {
	f := newFixture(t, options{})
	f.do(t, http.MethodPut, "/voucher", `{"voucher":"`+testVoucher+`"}`)
	f.ctrl.Wait()

	conn := dialRecover(t, f)
	req := `{"recovery-capability":"ro:registry.example.com/zkap/node:ledger"}`
	if err := conn.WriteMessage(websocket.TextMessage, []byte(req)); err != nil {
		t.Fatal(err)
	}
	statuses, _ := readStatuses(t, conn)
	if len(statuses) != 1 || statuses[0].Stage != recovery.StageImportFailed {
		t.Fatalf("statuses = %+v", statuses)
	}
	if *statuses[0].FailureReason != "there is existing local state" {
		t.Errorf("reason = %q", *statuses[0].FailureReason)
	}
}

func TestRecover_ParseErrors(t *testing.T) {
	f := newFixture(t, options{})
	for _, msg := range []string{
		`some bytes that are not json`,
		`{"a":"b","recovery-capability":"ro:registry.example.com/zkap/node:ledger"}`,
		`{"recovery-capability":[]}`,
		`{"recovery-capability":"hello world"}`,
		`{"recovery-capability":"rw:registry.example.com/zkap/node:ledger"}`,
	} {
		conn := dialRecover(t, f)
		if err := conn.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
			t.Fatal(err)
		}
		statuses, ce := readStatuses(t, conn)
		if len(statuses) != 0 {
			t.Errorf("%s: got statuses %+v", msg, statuses)
		}
		if ce.Code != CloseParseError || ce.Text != parseErrorReason {
			t.Errorf("%s: close = %d %q", msg, ce.Code, ce.Text)
		}
	}
}

func TestParseRecoveryRequest(t *testing.T) {
	c, err := parseRecoveryRequest(bytes.TrimSpace([]byte(` {"recovery-capability":"ro:registry.example.com/zkap/node:ledger"} `)))
	if err != nil {
		t.Fatal(err)
	}
	if c.Writable {
		t.Error("parsed capability is writable")
	}
}
