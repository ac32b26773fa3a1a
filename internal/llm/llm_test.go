package llm

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joseph-ayodele/ddt-extractor/constants"
)

type scriptedCompleter struct {
	mu      sync.Mutex
	replies []string
	errs    []error
	calls   int
	block   bool
}

func (s *scriptedCompleter) Complete(ctx context.Context, system, user string) (string, error) {
	s.mu.Lock()
	i := s.calls
	s.calls++
	s.mu.Unlock()
	if s.block {
		<-ctx.Done()
		return "", ctx.Err()
	}
	if i < len(s.errs) && s.errs[i] != nil {
		return "", s.errs[i]
	}
	if i < len(s.replies) {
		return s.replies[i], nil
	}
	return s.replies[len(s.replies)-1], nil
}

func testOptions() Options {
	return Options{Name: "test", Timeout: time.Second, Retries: 2, BackoffBase: time.Millisecond}
}

func TestSchemaFieldsOrderAndRequired(t *testing.T) {
	require.Len(t, DDTFields, 10)
	assert.Equal(t, constants.FieldMittente, DDTFields[0].Name)
	assert.Equal(t, constants.FieldTargaAutomezzo, DDTFields[9].Name)

	schema := BuildDDTJSONSchema()
	assert.Equal(t, []string{
		constants.FieldMittente,
		constants.FieldDestinatario,
		constants.FieldIndirizzoDestinazione,
		constants.FieldDataDocumento,
		constants.FieldNumeroDocumento,
	}, schema["required"])
	assert.Contains(t, DDTSchemaJSON(), `"title":"DDTExtractionSchema"`)
}

func TestBuildUserPrompt(t *testing.T) {
	p := BuildUserPrompt("DDT N. 123")
	assert.True(t, strings.HasPrefix(p, "SCHEMA DEI CAMPI DA ESTRARRE:\n- mittente (OBBLIGATORIO): "))
	assert.Contains(t, p, "- numero_ordine (opzionale): ")
	assert.Contains(t, p, "TESTO OCR DEL DOCUMENTO:\nDDT N. 123\n\n")
	assert.True(t, strings.HasSuffix(p, "Estrai i dati e rispondi con JSON valido contenente i campi richiesti."))
}

func TestParseJSONObject(t *testing.T) {
	obj, err := ParseJSONObject(`{"mittente":"ACME"}`)
	require.NoError(t, err)
	assert.Equal(t, "ACME", obj["mittente"])

	obj, err = ParseJSONObject("```json\n{\"mittente\": null}\n```")
	require.NoError(t, err)
	assert.Contains(t, obj, "mittente")
	assert.Nil(t, obj["mittente"])

	_, err = ParseJSONObject(`[1,2]`)
	assert.ErrorIs(t, err, ErrNotObject)

	_, err = ParseJSONObject(`{"a":1} trailing`)
	assert.Error(t, err)

	_, err = ParseJSONObject("   ")
	assert.Error(t, err)
}

func TestValidateDDTFields(t *testing.T) {
	ok := map[string]any{
		"mittente":                        "ACME",
		"destinatario":                    "Beta",
		"indirizzo_destinazione_completo": "Via Roma 1",
		"data_documento":                  "2025-01-15",
		"numero_documento":                "42",
		"numero_ordine":                   nil,
	}
	assert.NoError(t, ValidateDDTFields(ok))

	missing := map[string]any{"mittente": "ACME"}
	assert.Error(t, ValidateDDTFields(missing))

	wrongType := map[string]any{
		"mittente":                        1,
		"destinatario":                    "Beta",
		"indirizzo_destinazione_completo": "Via Roma 1",
		"data_documento":                  "2025-01-15",
		"numero_documento":                "42",
	}
	assert.Error(t, ValidateDDTFields(wrongType))
}

func TestIsRateLimited(t *testing.T) {
	assert.True(t, IsRateLimited(&StatusError{Provider: "x", Code: 429}))
	assert.True(t, IsRateLimited(&StatusError{Provider: "x", Code: 401}))
	assert.True(t, IsRateLimited(&StatusError{Provider: "x", Code: 403}))
	assert.True(t, IsRateLimited(&StatusError{Provider: "x", Code: 400, Body: `{"status":"RESOURCE_EXHAUSTED"}`}))
	assert.True(t, IsRateLimited(fmt.Errorf("wrapped: %w", &StatusError{Provider: "x", Code: 500, Body: "Quota exceeded for project"})))
	assert.False(t, IsRateLimited(&StatusError{Provider: "x", Code: 500, Body: "boom"}))
	assert.False(t, IsRateLimited(errors.New("Quota exhausted")))
	assert.False(t, IsRateLimited(nil))

	// Transport errors carry the request URL, which may contain "rate".
	dial := &url.Error{Op: "Post", URL: "http://127.0.0.1:1/v1beta/models/gemini-2.0-flash-exp:generateContent",
		Err: errors.New("dial tcp 127.0.0.1:1: connect: connection refused")}
	assert.False(t, IsRateLimited(dial))
	assert.False(t, IsRateLimited(fmt.Errorf("gemini http error: %w", dial)))
}

func TestStructure_Success(t *testing.T) {
	c := &scriptedCompleter{replies: []string{`{"mittente":"ACME","numero_documento":"7"}`}}
	res := NewStructurer(c, testOptions()).Structure(context.Background(), "ocr", "a.pdf")

	require.True(t, res.Success, res.Error)
	assert.Equal(t, "ACME", res.JSON["mittente"])
	assert.Equal(t, 1, c.calls)
}

func TestStructure_RetriesMalformedJSON(t *testing.T) {
	c := &scriptedCompleter{replies: []string{"not json", `{"mittente":"ACME"}`}}
	res := NewStructurer(c, testOptions()).Structure(context.Background(), "ocr", "a.pdf")

	require.True(t, res.Success, res.Error)
	assert.Equal(t, 2, c.calls)
}

func TestStructure_GivesUpAfterRetries(t *testing.T) {
	c := &scriptedCompleter{replies: []string{"nope"}}
	res := NewStructurer(c, testOptions()).Structure(context.Background(), "ocr", "a.pdf")

	assert.False(t, res.Success)
	assert.True(t, strings.HasPrefix(res.Error, "Invalid JSON after 2 retries"), res.Error)
	assert.Equal(t, 3, c.calls)
	assert.Empty(t, res.JSON)
}

func TestStructure_RateLimitNotRetried(t *testing.T) {
	c := &scriptedCompleter{errs: []error{&StatusError{Provider: "test", Code: 429, Body: "slow down"}}, replies: []string{"{}"}}
	res := NewStructurer(c, testOptions()).Structure(context.Background(), "ocr", "a.pdf")

	assert.False(t, res.Success)
	assert.True(t, strings.HasPrefix(res.Error, "Rate limit exceeded: "), res.Error)
	assert.Equal(t, 1, c.calls)
}

func TestStructure_OtherErrorNotRetried(t *testing.T) {
	c := &scriptedCompleter{errs: []error{errors.New("connection reset")}, replies: []string{"{}"}}
	res := NewStructurer(c, testOptions()).Structure(context.Background(), "ocr", "a.pdf")

	assert.False(t, res.Success)
	assert.Equal(t, "connection reset", res.Error)
	assert.Equal(t, 1, c.calls)
}

func TestStructure_Timeout(t *testing.T) {
	c := &scriptedCompleter{block: true}
	opts := testOptions()
	opts.Timeout = 20 * time.Millisecond
	res := NewStructurer(c, opts).Structure(context.Background(), "ocr", "a.pdf")

	assert.False(t, res.Success)
	assert.True(t, strings.HasPrefix(res.Error, "Timeout after"), res.Error)
	assert.GreaterOrEqual(t, res.Elapsed, 20*time.Millisecond)
}

func TestStructure_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	c := &scriptedCompleter{replies: []string{"bad"}}
	opts := testOptions()
	opts.BackoffBase = time.Second
	res := NewStructurer(c, opts).Structure(ctx, "ocr", "a.pdf")

	assert.False(t, res.Success)
	assert.NotEmpty(t, res.Error)
}
