package extension

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aimessages/aimessages/internal/credits"
	"github.com/aimessages/aimessages/internal/httpx"
	"github.com/aimessages/aimessages/internal/invoke"
	"github.com/aimessages/aimessages/internal/stability"
	"github.com/aimessages/aimessages/internal/store"
)

type fakeLedger struct {
	mu       sync.Mutex
	standing credits.Standing
	charges  []int
	types    []credits.ChargeType
}

func (l *fakeLedger) Check(string) (credits.Standing, error) {
	return l.standing, nil
}

func (l *fakeLedger) RecordImages(uid string, ct credits.ChargeType, amount int) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.charges = append(l.charges, amount)
	l.types = append(l.types, ct)
	return "exp-1", nil
}

type fakeNotifier struct{ calls int }

func (n *fakeNotifier) NotifyNoCredits(context.Context, string, string, credits.Standing) error {
	n.calls++
	return nil
}

type fakeStability struct {
	gotType    stability.RequestType
	gotSamples int
	images     []string
	err        error
}

func (f *fakeStability) Generate(_ context.Context, t stability.RequestType, _, _ string, samples int) ([]string, error) {
	f.gotType, f.gotSamples = t, samples
	return f.images, f.err
}

type fakeClipdrop struct{ prompt string }

func (f *fakeClipdrop) SketchToImage(_ context.Context, prompt, _ string) ([]string, error) {
	f.prompt = prompt
	return []string{b64("doodle")}, nil
}

type fakeOpenAI struct{}

func (fakeOpenAI) CreateImage(_ context.Context, prompt, _ string) (string, error) {
	return b64("created " + prompt), nil
}

func (fakeOpenAI) EditImage(_ context.Context, prompt, _, _ string) (string, error) {
	return b64("edited " + prompt), nil
}

func (fakeOpenAI) ImageVariation(context.Context, string, string) (string, error) {
	return b64("variation"), nil
}

func (fakeOpenAI) Completion(_ context.Context, prompt, _ string) (string, error) {
	return prompt + " world", nil
}

func (fakeOpenAI) TextEdit(_ context.Context, input, _ string) (string, error) {
	return strings.ToUpper(input), nil
}

func b64(s string) string { return base64.StdEncoding.EncodeToString([]byte(s)) }

type fixture struct {
	svc      *Service
	store    *store.BoltStore
	ledger   *fakeLedger
	notifier *fakeNotifier
	stab     *fakeStability
	clip     *fakeClipdrop
	dir      string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s, err := store.NewBoltStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	f := &fixture{
		store:    s,
		ledger:   &fakeLedger{standing: credits.Standing{HasMessagesRemaining: true, Remaining: 5}},
		notifier: &fakeNotifier{},
		stab:     &fakeStability{images: []string{b64("one"), b64("two")}},
		clip:     &fakeClipdrop{},
		dir:      t.TempDir(),
	}
	f.svc = NewService(Deps{
		Store:     s,
		BucketURL: "file://" + f.dir,
		Ledger:    f.ledger,
		Notifier:  f.notifier,
		Stability: f.stab,
		Clipdrop:  f.clip,
		OpenAI:    fakeOpenAI{},
		Text:      fakeOpenAI{},
	})
	return f
}

func (f *fixture) wait(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, f.svc.Wait(ctx))
}

func TestImagesPersistAndCharge(t *testing.T) {
	f := newFixture(t)

	res, err := f.svc.Images(context.Background(), ImageRequest{UID: "u1", Caption: "a fox", RequestType: Create, NumSamples: 2})
	require.NoError(t, err)
	assert.Equal(t, "a fox", res.Caption)
	assert.Equal(t, []string{b64("one"), b64("two")}, res.Images)
	assert.Equal(t, stability.Create, f.stab.gotType)
	assert.Equal(t, 2, f.stab.gotSamples)

	f.wait(t)

	docs, err := f.store.List(store.Sub(store.ExtensionImageHistory, "u1", store.SubImageResponses))
	require.NoError(t, err)
	require.Len(t, docs, 2)

	var stored []string
	for id, d := range docs {
		assert.Equal(t, "a fox", d["caption"])
		assert.Contains(t, d["cloudURL"], filepath.Join("historyImages", "u1", id, "activeImage.png"))
		data, err := os.ReadFile(filepath.Join(f.dir, "historyImages", "u1", id, "activeImage.png"))
		require.NoError(t, err)
		stored = append(stored, string(data))
	}
	assert.ElementsMatch(t, []string{"one", "two"}, stored)

	assert.Equal(t, []int{2}, f.ledger.charges)
	assert.Equal(t, []credits.ChargeType{credits.ChargeToken}, f.ledger.types)
}

func TestImagesDefaultsToOneSample(t *testing.T) {
	f := newFixture(t)
	f.stab.images = []string{b64("only")}

	_, err := f.svc.Images(context.Background(), ImageRequest{UID: "u1", Caption: "x", Image: b64("init"), RequestType: EditWithMask})
	require.NoError(t, err)
	assert.Equal(t, 1, f.stab.gotSamples)
	assert.Equal(t, stability.EditWithMask, f.stab.gotType)

	f.wait(t)
	assert.Equal(t, []int{1}, f.ledger.charges)
}

func TestDoodleAndVariationAreSingleImages(t *testing.T) {
	f := newFixture(t)

	res, err := f.svc.Images(context.Background(), ImageRequest{UID: "u1", Caption: "cat", Image: b64("sketch"), RequestType: Doodle, NumSamples: 4})
	require.NoError(t, err)
	assert.Equal(t, []string{b64("doodle")}, res.Images)
	assert.Equal(t, "cat", f.clip.prompt)

	res, err = f.svc.Images(context.Background(), ImageRequest{UID: "u1", Image: b64("src"), RequestType: Variation, NumSamples: 3})
	require.NoError(t, err)
	assert.Equal(t, []string{b64("variation")}, res.Images)

	f.wait(t)
	assert.Equal(t, []int{1, 1}, f.ledger.charges)
}

func TestImagesSkipsEmptyPayloads(t *testing.T) {
	f := newFixture(t)
	f.stab.images = []string{b64("one"), ""}

	_, err := f.svc.Images(context.Background(), ImageRequest{UID: "u1", RequestType: Create, NumSamples: 2})
	require.NoError(t, err)
	f.wait(t)

	docs, err := f.store.List(store.Sub(store.ExtensionImageHistory, "u1", store.SubImageResponses))
	require.NoError(t, err)
	assert.Len(t, docs, 1)
	assert.Equal(t, []int{2}, f.ledger.charges)
}

func TestUploadFailureStopsBeforeCharging(t *testing.T) {
	f := newFixture(t)
	f.stab.images = []string{"%%% not base64"}

	_, err := f.svc.Images(context.Background(), ImageRequest{UID: "u1", RequestType: Create})
	require.NoError(t, err)
	f.wait(t)

	assert.Empty(t, f.ledger.charges)
}

func TestImagesWithoutCredits(t *testing.T) {
	f := newFixture(t)
	f.ledger.standing = credits.Standing{}

	_, err := f.svc.Images(context.Background(), ImageRequest{UID: "u1", RequestType: Create})
	assert.ErrorIs(t, err, ErrNoCredits)
	assert.Equal(t, 1, f.notifier.calls)
	assert.Zero(t, f.stab.gotSamples)

	f.ledger.standing.WasWarned = true
	_, err = f.svc.Images(context.Background(), ImageRequest{UID: "u1", RequestType: Create})
	assert.ErrorIs(t, err, ErrNoCredits)
	assert.Equal(t, 1, f.notifier.calls)
}

func TestUnknownRequestType(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Images(context.Background(), ImageRequest{UID: "u1", RequestType: "sculpt"})
	assert.ErrorIs(t, err, ErrUnknownRequestType)
}

func TestDeleteImage(t *testing.T) {
	f := newFixture(t)
	f.stab.images = []string{b64("one")}

	_, err := f.svc.Images(context.Background(), ImageRequest{UID: "u1", RequestType: Create})
	require.NoError(t, err)
	f.wait(t)

	history := store.Sub(store.ExtensionImageHistory, "u1", store.SubImageResponses)
	docs, err := f.store.List(history)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	var id string
	for k := range docs {
		id = k
	}

	require.NoError(t, f.svc.DeleteImage(context.Background(), "u1", id))
	_, err = f.store.Get(history, id)
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = os.Stat(filepath.Join(f.dir, "historyImages", "u1", id))
	assert.True(t, os.IsNotExist(err))

	assert.NoError(t, f.svc.DeleteImage(context.Background(), "u1", uuid.NewString()))
}

func TestDeleteImageStaysInsideUserFolder(t *testing.T) {
	f := newFixture(t)
	other := filepath.Join(f.dir, "historyImages", "u2", "keep")
	require.NoError(t, os.MkdirAll(other, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(other, "activeImage.png"), []byte("mine"), 0o600))

	for _, c := range []struct{ uid, id string }{
		{"u1", "../u2"},
		{"u1", ".."},
		{"u1", "keep"},
		{"..", "u2"},
		{"u1/../u2", uuid.NewString()},
		{"", uuid.NewString()},
	} {
		err := f.svc.DeleteImage(context.Background(), c.uid, c.id)
		assert.ErrorIs(t, err, ErrInvalidID, "%q/%q", c.uid, c.id)
	}

	req := httptest.NewRequest(http.MethodDelete, "/images/x/y", nil)
	req.URL.Path = "/images/../.."
	req.Header.Set("Authorization", "Bearer "+token(t, "u1"))
	rec := httptest.NewRecorder()
	NewHandler(f.svc, secret).Routes().ServeHTTP(rec, req)
	assert.NotEqual(t, http.StatusOK, rec.Code)

	data, err := os.ReadFile(filepath.Join(other, "activeImage.png"))
	require.NoError(t, err)
	assert.Equal(t, "mine", string(data))
}

func TestInvalidUIDIsRejectedBeforeCharging(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Images(context.Background(), ImageRequest{UID: "../u2", RequestType: Create})
	assert.ErrorIs(t, err, ErrInvalidID)
	_, err = f.svc.Complete(context.Background(), "", "hi")
	assert.ErrorIs(t, err, ErrInvalidID)
	assert.Zero(t, f.stab.gotSamples)
}

func TestOpenAIProvider(t *testing.T) {
	f := newFixture(t)

	res, err := f.svc.Images(context.Background(), ImageRequest{UID: "u1", Caption: "owl", RequestType: Create, NumSamples: 3, Provider: ProviderOpenAI})
	require.NoError(t, err)
	assert.Equal(t, []string{b64("created owl")}, res.Images)
	assert.Equal(t, 1, res.Samples)

	res, err = f.svc.Images(context.Background(), ImageRequest{UID: "u1", Caption: "hat", Image: b64("src"), RequestType: EditWithMask, Provider: ProviderOpenAI})
	require.NoError(t, err)
	assert.Equal(t, []string{b64("edited hat")}, res.Images)
	assert.Zero(t, f.stab.gotSamples)

	_, err = f.svc.Images(context.Background(), ImageRequest{UID: "u1", RequestType: Create, Provider: "dalle-9"})
	assert.ErrorIs(t, err, ErrUnknownProvider)

	f.wait(t)
	assert.Equal(t, []int{1, 1}, f.ledger.charges)
}

func TestCompleteAndEditRecordExchanges(t *testing.T) {
	f := newFixture(t)

	reply, err := f.svc.Complete(context.Background(), "u1", "hello")
	require.NoError(t, err)
	assert.Equal(t, "hello world", reply)

	reply, err = f.svc.EditText(context.Background(), "u1", "shout", "make it loud")
	require.NoError(t, err)
	assert.Equal(t, "SHOUT", reply)

	completions, err := f.store.List(store.Sub(store.ExtensionMessages, "u1", store.SubCompletions))
	require.NoError(t, err)
	require.Len(t, completions, 1)
	for _, d := range completions {
		assert.Equal(t, "hello", d["prompt"])
		assert.Equal(t, "hello world", d["response"])
	}

	edits, err := f.store.List(store.Sub(store.ExtensionMessages, "u1", store.SubEdits))
	require.NoError(t, err)
	require.Len(t, edits, 1)
	for _, d := range edits {
		assert.Equal(t, "make it loud", d["instruction"])
		assert.Equal(t, "SHOUT", d["response"])
	}
	assert.Empty(t, f.ledger.charges)
}

var secret = []byte("extension-secret")

func token(t *testing.T, uid string) string {
	t.Helper()
	tok, err := httpx.SignUserToken(secret, uid, time.Hour)
	require.NoError(t, err)
	return tok
}

// serve sends the request as user u1.
func serve(t *testing.T, f *fixture, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	return serveAs(t, f, token(t, "u1"), method, path, body)
}

func serveAs(t *testing.T, f *fixture, tok, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	rec := httptest.NewRecorder()
	NewHandler(f.svc, secret).Routes().ServeHTTP(rec, req)
	return rec
}

func TestHandleImagesResponseShape(t *testing.T) {
	f := newFixture(t)

	rec := serve(t, f, http.MethodPost, "/images", `{"uid":"u1","caption":"two","requestType":"create","numSamples":2}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var many struct {
		Caption string   `json:"caption"`
		Image   []string `json:"image"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &many))
	assert.Equal(t, "two", many.Caption)
	assert.Len(t, many.Image, 2)

	f.stab.images = []string{b64("one")}
	rec = serve(t, f, http.MethodPost, "/images", `{"uid":"u1","caption":"one","requestType":"create"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var single struct {
		Image string `json:"image"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &single))
	assert.Equal(t, b64("one"), single.Image)

	// Two requested, one returned: still a list.
	rec = serve(t, f, http.MethodPost, "/images", `{"caption":"short","requestType":"create","numSamples":2}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &many))
	assert.Equal(t, []string{b64("one")}, many.Image)

	f.wait(t)
}

func TestHandleImagesFailures(t *testing.T) {
	f := newFixture(t)

	rec := serveAs(t, f, "", http.MethodPost, "/images", `{"uid":"u1","requestType":"create"}`)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = serve(t, f, http.MethodPost, "/images", `{"uid":"u2","requestType":"create"}`)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Zero(t, f.stab.gotSamples)

	rec = serve(t, f, http.MethodPost, "/images", `{"caption":`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = serve(t, f, http.MethodPost, "/images", `{"uid":"u1","requestType":"sculpt"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	f.stab.err = &invoke.Error{Provider: "stability", Code: http.StatusBadRequest, Message: "Non-200 response: maximum retries exceeded.", Detail: "prompt is empty"}
	rec = serve(t, f, http.MethodPost, "/images", `{"uid":"u1","requestType":"create"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.JSONEq(t, `{"error":"prompt is empty"}`, rec.Body.String())

	f.stab.err = &invoke.Error{Provider: "stability", Code: invoke.CodeUnknown, Message: "connection reset"}
	rec = serve(t, f, http.MethodPost, "/images", `{"uid":"u1","requestType":"create"}`)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.JSONEq(t, `{"error":"connection reset"}`, rec.Body.String())

	f.stab.err = errors.New("boom")
	rec = serve(t, f, http.MethodPost, "/images", `{"uid":"u1","requestType":"create"}`)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	f.ledger.standing = credits.Standing{}
	rec = serve(t, f, http.MethodPost, "/images", `{"uid":"u1","requestType":"create"}`)
	assert.Equal(t, http.StatusPaymentRequired, rec.Code)
	assert.JSONEq(t, `{"error":"No valid subscription or message tokens were found for this user."}`, rec.Body.String())
}

func TestHandleTextRoutes(t *testing.T) {
	f := newFixture(t)

	rec := serve(t, f, http.MethodPost, "/completions", `{"uid":"u1","prompt":"hi"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"response":"hi world"}`, rec.Body.String())

	rec = serve(t, f, http.MethodPost, "/edits", `{"uid":"u1","input":"abc","instruction":"upper"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"response":"ABC"}`, rec.Body.String())

	rec = serve(t, f, http.MethodPost, "/completions", `{"prompt":"hi"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = serve(t, f, http.MethodPost, "/edits", `{"uid":"u2"}`)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = serveAs(t, f, "", http.MethodPost, "/completions", `{"uid":"u1","prompt":"hi"}`)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	big := `{"prompt":"` + strings.Repeat("a", httpx.MaxJSONBody) + `"}`
	rec = serve(t, f, http.MethodPost, "/completions", big)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)

	id := uuid.NewString()
	rec = serve(t, f, http.MethodDelete, "/images/u1/"+id, "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = serve(t, f, http.MethodDelete, "/images/u2/"+id, "")
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = serve(t, f, http.MethodDelete, "/images/u1/nope", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
