package insights

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClient struct {
	reply  string
	err    error
	prompt string
}

func (f *fakeClient) Complete(_ context.Context, prompt string) (string, error) {
	f.prompt = prompt
	return f.reply, f.err
}

func TestVitalsPrompt(t *testing.T) {
	prompt, err := VitalsPrompt(map[string]any{"heart_rate": 72, "bp": "120/80"})
	require.NoError(t, err)

	assert.Contains(t, prompt, "You are a medical assistant AI.")
	assert.Contains(t, prompt, "4 to 6 clear and helpful health insights")
	assert.Contains(t, prompt, "Use bullet points.")
	assert.Contains(t, prompt, `"heart_rate": 72`)
	assert.Contains(t, prompt, `"bp": "120/80"`)
}

func TestExtractBullets(t *testing.T) {
	tests := []struct {
		name  string
		reply string
		want  []string
	}{
		{
			name:  "dashes",
			reply: "Here are some insights:\n- Heart rate is normal.\n- Blood pressure is fine.\n",
			want:  []string{"Heart rate is normal.", "Blood pressure is fine."},
		},
		{
			name:  "dots and crlf",
			reply: "• Stay hydrated •\r\n\r\n•Sleep well\r\n",
			want:  []string{"Stay hydrated", "Sleep well"},
		},
		{
			name:  "hyphen inside line",
			reply: "Your follow-up is due\nNothing else",
			want:  []string{"Your follow-up is due"},
		},
		{
			name:  "marks only",
			reply: "---\n  \n",
			want:  []string{},
		},
		{
			name:  "empty",
			reply: "",
			want:  []string{},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, ExtractBullets(tc.reply))
		})
	}
}

func TestAnalyze(t *testing.T) {
	fc := &fakeClient{reply: "- one\n- two"}
	a := NewAnalyzer(fc)

	got, err := a.Analyze(context.Background(), map[string]any{"spo2": 98})
	require.NoError(t, err)
	assert.Equal(t, []string{"one", "two"}, got)
	assert.Contains(t, fc.prompt, `"spo2": 98`)
}

func TestAnalyzeErrors(t *testing.T) {
	a := NewAnalyzer(&fakeClient{err: errors.New("quota exceeded")})

	_, err := a.Analyze(context.Background(), map[string]any{"spo2": 98})
	assert.EqualError(t, err, "quota exceeded")

	_, err = a.Analyze(context.Background(), nil)
	assert.ErrorIs(t, err, ErrNoVitals)
}
