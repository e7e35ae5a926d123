package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/exobrain/knowledge-interface/internal/domain"
	"github.com/exobrain/knowledge-interface/internal/errs"
)

type fakeSchemaService struct {
	full      domain.FullSchema
	upserted  []domain.UpsertSchemaTypeCommand
	upsertErr error
}

func (f *fakeSchemaService) GetSchema(ctx context.Context) (domain.FullSchema, error) {
	return f.full, nil
}

func (f *fakeSchemaService) UpsertSchemaType(ctx context.Context, cmd domain.UpsertSchemaTypeCommand) (domain.SchemaType, error) {
	if f.upsertErr != nil {
		return domain.SchemaType{}, f.upsertErr
	}
	f.upserted = append(f.upserted, cmd)
	return cmd.SchemaType, nil
}

type fakeBootstrapper struct {
	lastUserID   string
	lastUserName string
}

func (f *fakeBootstrapper) InitializeUserGraph(ctx context.Context, userID, userName string) (domain.InitializeUserGraphResult, error) {
	f.lastUserID, f.lastUserName = userID, userName
	return domain.InitializeUserGraphResult{UniverseID: domain.CommonUniverseID, EntitiesUpserted: 2, BlocksUpserted: 1, EdgesUpserted: 4}, nil
}

type fakeCoordinator struct {
	lastUserID string
	result     domain.UpsertGraphDeltaResult
	err        error
}

func (f *fakeCoordinator) Run(ctx context.Context, userID string, delta domain.GraphDelta) (domain.UpsertGraphDeltaResult, error) {
	f.lastUserID = userID
	return f.result, f.err
}

type fakeScorer struct {
	candidates []domain.EntityCandidate
}

func (f *fakeScorer) Find(ctx context.Context, query domain.FindEntityCandidatesQuery) ([]domain.EntityCandidate, error) {
	return f.candidates, nil
}

func newTestServer(t *testing.T, schema *fakeSchemaService, coord *fakeCoordinator) *httptest.Server {
	t.Helper()
	srv := NewServer(schema, &fakeBootstrapper{}, coord, &fakeScorer{}, nil, zaptest.NewLogger(t))
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return ts
}

func TestHealthReturnsOK(t *testing.T) {
	ts := newTestServer(t, &fakeSchemaService{}, &fakeCoordinator{})

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Equal(t, "ok", body["status"])
}

func TestUpsertGraphDeltaRoutesToCoordinator(t *testing.T) {
	coord := &fakeCoordinator{result: domain.UpsertGraphDeltaResult{EntitiesUpserted: 1}}
	ts := newTestServer(t, &fakeSchemaService{}, coord)

	payload, err := json.Marshal(map[string]any{
		"user_id": "user-1",
		"delta":   domain.GraphDelta{},
	})
	require.NoError(t, err)

	resp, err := http.Post(ts.URL+"/v1/deltas", "application/json", bytes.NewReader(payload))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "user-1", coord.lastUserID)

	var result domain.UpsertGraphDeltaResult
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
	require.Equal(t, 1, result.EntitiesUpserted)
}

func TestUpsertGraphDeltaMapsValidatorIssuesToBadRequest(t *testing.T) {
	coord := &fakeCoordinator{err: errs.Invalid([]string{"entity id \"x\" is not a valid UUID", "block \"y\" has no incident relationship"})}
	ts := newTestServer(t, &fakeSchemaService{}, coord)

	resp, err := http.Post(ts.URL+"/v1/deltas", "application/json", bytes.NewBufferString(`{"user_id":"u","delta":{}}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var envelope struct {
		Kind   string   `json:"kind"`
		Issues []string `json:"issues"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&envelope))
	require.Equal(t, string(errs.KindInvalidInput), envelope.Kind)
	require.Len(t, envelope.Issues, 2)
}

func TestUpsertSchemaTypeMapsConflictToStatusConflict(t *testing.T) {
	schema := &fakeSchemaService{upsertErr: errs.Conflict("type already has a parent")}
	ts := newTestServer(t, schema, &fakeCoordinator{})

	resp, err := http.Post(ts.URL+"/v1/schema/types", "application/json", bytes.NewBufferString(`{"schema_type":{"id":"node.person","kind":"node"}}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestInitializeUserGraphPassesPathUserID(t *testing.T) {
	boot := &fakeBootstrapper{}
	srv := NewServer(&fakeSchemaService{}, boot, &fakeCoordinator{}, &fakeScorer{}, nil, zaptest.NewLogger(t))
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/v1/users/user-42/initialize", "application/json", bytes.NewBufferString(`{"user_name":"Ada"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "user-42", boot.lastUserID)
	require.Equal(t, "Ada", boot.lastUserName)
}

func TestFindEntityCandidatesWrapsResults(t *testing.T) {
	srv := NewServer(&fakeSchemaService{}, &fakeBootstrapper{}, &fakeCoordinator{}, &fakeScorer{candidates: []domain.EntityCandidate{{ID: "11111111-1111-1111-1111-111111111111", Name: "Ada", Score: 0.9}}}, nil, zaptest.NewLogger(t))
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/v1/candidates", "application/json", bytes.NewBufferString(`{"names":["ada"],"user_id":"u"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Candidates []domain.EntityCandidate `json:"candidates"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Len(t, body.Candidates, 1)
	require.Equal(t, "Ada", body.Candidates[0].Name)
}

func TestMalformedBodyIsBadRequest(t *testing.T) {
	ts := newTestServer(t, &fakeSchemaService{}, &fakeCoordinator{})

	resp, err := http.Post(ts.URL+"/v1/deltas", "application/json", bytes.NewBufferString(`{not json`))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
