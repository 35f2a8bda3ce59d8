package extract

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quipufin/quipu/internal/config"
)

// identityResolver treats storage refs as plain file paths.
type identityResolver struct{}

func (identityResolver) ResolvePath(ref string) (string, error) { return ref, nil }

type failingResolver struct{}

func (failingResolver) ResolvePath(string) (string, error) {
	return "", os.ErrNotExist
}

// stubProvider returns a canned payload, optionally blocking until
// released so tests can observe the processing state.
type stubProvider struct {
	payload *Payload
	err     error
	release chan struct{}
}

func (s *stubProvider) Extract(ctx context.Context, path string, features []Feature) (*Payload, error) {
	if s.release != nil {
		select {
		case <-s.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if s.err != nil {
		return nil, s.err
	}
	return s.payload, nil
}

func allFeatures() []Feature {
	return []Feature{FeatureText, FeatureTables, FeatureKeyValues}
}

// --- Provider selection ---

func TestNewExtractor_Local(t *testing.T) {
	ext, err := NewExtractor(config.ExtractorConfig{Provider: "local"}, identityResolver{})
	require.NoError(t, err)
	assert.IsType(t, &Async{}, ext)
}

func TestNewExtractor_Default(t *testing.T) {
	ext, err := NewExtractor(config.ExtractorConfig{}, identityResolver{})
	require.NoError(t, err)
	assert.NotNil(t, ext)
}

func TestNewExtractor_MistralMissingKey(t *testing.T) {
	_, err := NewExtractor(config.ExtractorConfig{Provider: "mistral"}, identityResolver{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mistral provider requires mistral_api_key")
}

func TestNewExtractor_UnknownProvider(t *testing.T) {
	_, err := NewExtractor(config.ExtractorConfig{Provider: "textract"}, identityResolver{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown provider "textract"`)
}

// --- Payload parsing ---

func TestParseAmounts(t *testing.T) {
	tests := []struct {
		name string
		text string
		want []string
	}{
		{"peso sign dotted", "COMPRA JUMBO $15.990", []string{"15990"}},
		{"bare dotted thousands", "Total Haberes 1.250.000", []string{"1250000"}},
		{"decimal comma", "Total $15.990,50", []string{"15990.5"}},
		{"spaced sign", "$ 8.990", []string{"8990"}},
		{"several", "$500 y luego $1.200", []string{"500", "1200"}},
		{"dates are not amounts", "Fecha: 05/03/2024", nil},
		{"bare integer ignored", "cantidad 12000", nil},
		{"trailing punctuation", "Total: $4.500.", []string{"4500"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ParseAmounts(tt.text)
			require.Len(t, got, len(tt.want))
			for i, w := range tt.want {
				want, err := decimal.NewFromString(w)
				require.NoError(t, err)
				assert.True(t, want.Equal(got[i]), "want %s got %s", w, got[i])
			}
		})
	}
}

func TestBuildPayload_KeyValues(t *testing.T) {
	text := "RAZÓN SOCIAL: Comercial Jumbo SpA\nTOTAL: 12000\nlinea sin separador"
	p := BuildPayload(text, allFeatures())

	require.NotNil(t, p.KeyValues)
	assert.Equal(t, "Comercial Jumbo SpA", p.KeyValues["razon social"])
	assert.Equal(t, "12000", p.KeyValues["total"])

	// The labeled total lands in Amounts even without separators.
	require.Len(t, p.Amounts, 1)
	assert.True(t, decimal.NewFromInt(12000).Equal(p.Amounts[0]))
}

func TestBuildPayload_Tables(t *testing.T) {
	text := "detalle:\n" +
		"| Item | Monto |\n" +
		"| --- | --- |\n" +
		"| Pan | $1.500 |\n" +
		"| Leche | $990 |\n" +
		"\nfin"
	p := BuildPayload(text, allFeatures())

	require.Len(t, p.Tables, 1)
	require.Len(t, p.Tables[0].Rows, 3)
	assert.Equal(t, []string{"Item", "Monto"}, p.Tables[0].Rows[0])
	assert.Equal(t, []string{"Leche", "$990"}, p.Tables[0].Rows[2])
}

func TestBuildPayload_FeaturesGateSections(t *testing.T) {
	text := "| a | b |\nTOTAL: $5.000"
	p := BuildPayload(text, []Feature{FeatureText})

	assert.Nil(t, p.Tables)
	assert.Nil(t, p.KeyValues)
	// Amounts and dates always run; they feed the classifier directly.
	assert.NotEmpty(t, p.Amounts)
}

func TestBuildPayload_Dates(t *testing.T) {
	p := BuildPayload("Fecha: 05/03/2024", nil)
	require.Len(t, p.Dates, 1)
	assert.Equal(t, 2024, p.Dates[0].Year())
}

func TestBuildPayload_Empty(t *testing.T) {
	p := BuildPayload("", allFeatures())
	assert.Empty(t, p.Text)
	assert.Empty(t, p.Amounts)
	assert.Nil(t, p.KeyValues)
}

func TestSignalQuality(t *testing.T) {
	var nilPayload *Payload
	assert.Zero(t, nilPayload.SignalQuality())
	assert.Zero(t, (&Payload{Text: "  \n"}).SignalQuality())

	bare := &Payload{Text: "BOLETA ELECTRONICA"}
	assert.InDelta(t, 0.4, bare.SignalQuality(), 0.001)

	rich := BuildPayload("BOLETA\nTOTAL: $15.990\nFecha: 05/03/2024", allFeatures())
	assert.Greater(t, rich.SignalQuality(), bare.SignalQuality())
	assert.LessOrEqual(t, rich.SignalQuality(), 1.0)
}

// --- Local provider ---

func TestLocal_TextFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cartola.txt")
	require.NoError(t, os.WriteFile(path, []byte("CARTOLA\nTOTAL: $25.990\n10/03/2024"), 0o644))

	p, err := NewLocal().Extract(context.Background(), path, allFeatures())
	require.NoError(t, err)
	assert.Contains(t, p.Text, "CARTOLA")
	require.NotEmpty(t, p.Amounts)
	assert.True(t, decimal.NewFromInt(25990).Equal(p.Amounts[0]))
	assert.Len(t, p.Dates, 1)
}

func TestLocal_ImageHasNoText(t *testing.T) {
	path := filepath.Join(t.TempDir(), "boleta.jpg")
	require.NoError(t, os.WriteFile(path, []byte{0xff, 0xd8, 0xff}, 0o644))

	p, err := NewLocal().Extract(context.Background(), path, allFeatures())
	require.NoError(t, err)
	assert.Empty(t, p.Text)
	assert.Empty(t, p.Amounts)
}

func TestLocal_MissingFile(t *testing.T) {
	_, err := NewLocal().Extract(context.Background(), "/nope/missing.txt", nil)
	require.Error(t, err)
}

// --- Mistral provider ---

func TestMistral_Extract(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		var req mistralRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "test-model", req.Model)
		assert.Equal(t, "document_url", req.Document.Type)
		assert.Contains(t, req.Document.DocumentURL, "data:application/pdf;base64,")

		resp := mistralResponse{Pages: []mistralPage{
			{Index: 0, Markdown: "BOLETA ELECTRONICA\nTOTAL: $15.990"},
			{Index: 1, Markdown: "| Item | Valor |\n| Pan | $1.500 |"},
		}}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp) //nolint:errcheck
	}))
	defer srv.Close()

	path := filepath.Join(t.TempDir(), "doc.pdf")
	require.NoError(t, os.WriteFile(path, []byte("%PDF-1.4 test"), 0o644))

	m := &Mistral{apiKey: "test-key", model: "test-model", endpoint: srv.URL, client: &http.Client{}}
	p, err := m.Extract(context.Background(), path, allFeatures())
	require.NoError(t, err)

	assert.Contains(t, p.Text, "BOLETA ELECTRONICA")
	assert.Contains(t, p.Text, "| Pan | $1.500 |")
	require.NotEmpty(t, p.Amounts)
	require.Len(t, p.Tables, 1)
}

func TestMistral_ImageUsesImageURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req mistralRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "image_url", req.Document.Type)
		assert.Contains(t, req.Document.ImageURL, "data:image/jpeg;base64,")
		json.NewEncoder(w).Encode(mistralResponse{}) //nolint:errcheck
	}))
	defer srv.Close()

	path := filepath.Join(t.TempDir(), "boleta.jpg")
	require.NoError(t, os.WriteFile(path, []byte{0xff, 0xd8}, 0o644))

	m := &Mistral{apiKey: "k", model: "m", endpoint: srv.URL, client: &http.Client{}}
	_, err := m.Extract(context.Background(), path, nil)
	require.NoError(t, err)
}

func TestMistral_APIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":"bad key"}`))
	}))
	defer srv.Close()

	path := filepath.Join(t.TempDir(), "doc.pdf")
	require.NoError(t, os.WriteFile(path, []byte("%PDF-1.4"), 0o644))

	m := &Mistral{apiKey: "bad", model: "m", endpoint: srv.URL, client: &http.Client{}}
	_, err := m.Extract(context.Background(), path, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mistral API returned 401")
}

func TestMistral_DefaultModel(t *testing.T) {
	m := NewMistral("key", "")
	assert.Equal(t, defaultMistralModel, m.model)
	assert.Equal(t, mistralOCREndpoint, m.endpoint)
}

// --- Async wrapper ---

func TestAsync_Lifecycle(t *testing.T) {
	release := make(chan struct{})
	provider := &stubProvider{
		payload: &Payload{Text: "hola"},
		release: release,
	}
	a := NewAsync(provider, identityResolver{}, time.Minute)

	res, err := a.Analyze(context.Background(), "/tmp/doc.pdf", allFeatures())
	require.NoError(t, err)
	assert.Equal(t, StatusProcessing, res.Status)
	require.NotEmpty(t, res.JobID)

	// Still running.
	poll, err := a.GetResult(context.Background(), res.JobID)
	require.NoError(t, err)
	assert.Equal(t, StatusProcessing, poll.Status)

	close(release)

	require.Eventually(t, func() bool {
		poll, err = a.GetResult(context.Background(), res.JobID)
		require.NoError(t, err)
		return poll.Status != StatusProcessing
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, StatusCompleted, poll.Status)
	require.NotNil(t, poll.Payload)
	assert.Equal(t, "hola", poll.Payload.Text)

	// Terminal results are consumed; replays see an unknown job.
	gone, err := a.GetResult(context.Background(), res.JobID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, gone.Status)
	assert.Equal(t, "unknown job", gone.Err)
}

func TestAsync_ProviderFailure(t *testing.T) {
	provider := &stubProvider{err: os.ErrPermission}
	a := NewAsync(provider, identityResolver{}, time.Minute)

	res, err := a.Analyze(context.Background(), "/tmp/doc.pdf", nil)
	require.NoError(t, err)

	var final *Result
	require.Eventually(t, func() bool {
		final, err = a.GetResult(context.Background(), res.JobID)
		require.NoError(t, err)
		return final.Status != StatusProcessing
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, StatusFailed, final.Status)
	assert.NotEmpty(t, final.Err)
}

func TestAsync_ResolverError(t *testing.T) {
	a := NewAsync(&stubProvider{}, failingResolver{}, time.Minute)
	_, err := a.Analyze(context.Background(), "ref-1", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "resolve ref-1")
}

func TestAsync_UnknownJob(t *testing.T) {
	a := NewAsync(&stubProvider{}, identityResolver{}, time.Minute)
	res, err := a.GetResult(context.Background(), "nope")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, res.Status)
}
