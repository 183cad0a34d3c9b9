// Package insights turns patient vitals into short health insights using a
// language model.
package insights

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/tonk/lesionseg/pkg/client"
)

// ErrNoVitals is returned when the submitted vitals object is empty.
var ErrNoVitals = errors.New("no vitals provided")

// PromptTemplate is filled with the vitals rendered as indented JSON.
const PromptTemplate = `You are a medical assistant AI. A patient has submitted the following vital signs:

%s

Please analyze the vitals and return 4 to 6 clear and helpful health insights. Each insight should be brief and medically relevant. Use bullet points.`

// bulletMarks are the characters that identify and wrap a bullet line.
const bulletMarks = "-•"

// VitalsPrompt renders the prompt for the given vitals.
func VitalsPrompt(vitals map[string]any) (string, error) {
	data, err := json.MarshalIndent(vitals, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to encode vitals: %w", err)
	}
	return fmt.Sprintf(PromptTemplate, data), nil
}

// ExtractBullets keeps the non-blank reply lines that contain a bullet mark
// and strips marks and spaces from both ends of each.
func ExtractBullets(reply string) []string {
	out := []string{}
	for _, line := range strings.Split(reply, "\n") {
		line = strings.TrimRight(line, "\r")
		if strings.TrimSpace(line) == "" || !strings.ContainsAny(line, bulletMarks) {
			continue
		}
		if s := strings.Trim(line, bulletMarks+" "); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Analyzer asks a language model for insights about vitals
type Analyzer struct {
	client client.TextClient
}

// NewAnalyzer creates a new analyzer backed by a text client
func NewAnalyzer(c client.TextClient) *Analyzer {
	return &Analyzer{client: c}
}

// Analyze builds the prompt, queries the model and extracts the bullets.
func (a *Analyzer) Analyze(ctx context.Context, vitals map[string]any) ([]string, error) {
	if len(vitals) == 0 {
		return nil, ErrNoVitals
	}
	prompt, err := VitalsPrompt(vitals)
	if err != nil {
		return nil, err
	}
	reply, err := a.client.Complete(ctx, prompt)
	if err != nil {
		return nil, err
	}
	return ExtractBullets(reply), nil
}
