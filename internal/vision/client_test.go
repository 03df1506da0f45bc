package vision

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractJSON(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{
			name: "bare object",
			raw:  `{"answer":true,"confidence":0.9}`,
			want: `{"answer":true,"confidence":0.9}`,
		},
		{
			name: "fenced block",
			raw:  "```json\n{\"answer\":false,\"confidence\":0.4}\n```",
			want: `{"answer":false,"confidence":0.4}`,
		},
		{
			name: "prose around object",
			raw:  `Here is my verdict: {"answer":true,"confidence":0.8} hope that helps`,
			want: `{"answer":true,"confidence":0.8}`,
		},
		{
			name: "envelope structured output",
			raw:  `{"structured_output":{"answer":true,"confidence":0.95},"result":""}`,
			want: `{"answer":true,"confidence":0.95}`,
		},
		{
			name: "envelope result string",
			raw:  `{"result":"{\"answer\":false,\"confidence\":0.2}"}`,
			want: `{"answer":false,"confidence":0.2}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.JSONEq(t, tt.want, string(extractJSON([]byte(tt.raw))))
		})
	}
}

func TestAnalyze(t *testing.T) {
	// sh -c swallows the appended prompt as $0, keeping stdout clean.
	c := NewClient([]string{"sh", "-c", `echo '{"answer":true,"confidence":0.92,"reason":"confirmation banner visible"}'`})

	analysis, err := c.Analyze(context.Background(), []byte("png"), "did the message send?")
	require.NoError(t, err)
	assert.True(t, analysis.Answer)
	assert.InDelta(t, 0.92, analysis.Confidence, 0.001)
	assert.Equal(t, "confirmation banner visible", analysis.Reason)
}

func TestAnalyzeClampsConfidence(t *testing.T) {
	c := NewClient([]string{"sh", "-c", `echo '{"answer":true,"confidence":3.7}'`})

	analysis, err := c.Analyze(context.Background(), []byte("png"), "q")
	require.NoError(t, err)
	assert.Equal(t, 1.0, analysis.Confidence)
}

func TestAnalyzeGarbageOutput(t *testing.T) {
	c := NewClient([]string{"sh", "-c", `echo 'I cannot read this image'`})

	_, err := c.Analyze(context.Background(), []byte("png"), "q")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse vision verdict")
}

func TestAnalyzeMissingBinary(t *testing.T) {
	c := NewClient([]string{"definitely-not-a-real-vision-cli"})

	_, err := c.Analyze(context.Background(), []byte("png"), "q")
	require.Error(t, err)
	assert.True(t, Unavailable(err))
}

func TestAnalyzeTimeout(t *testing.T) {
	c := NewClient([]string{"sh", "-c", "exec sleep 5"})
	c.Timeout = 50 * time.Millisecond

	start := time.Now()
	_, err := c.Analyze(context.Background(), []byte("png"), "q")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timed out")
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestAnalyzeNoCommand(t *testing.T) {
	c := &Client{}
	_, err := c.Analyze(context.Background(), []byte("png"), "q")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not configured")
}

func TestLocate(t *testing.T) {
	tests := []struct {
		name    string
		output  string
		wantX   int
		wantY   int
		wantErr string
	}{
		{
			name:   "found",
			output: `{"found":true,"x":412,"y":96,"confidence":0.88}`,
			wantX:  412,
			wantY:  96,
		},
		{
			name:    "not found",
			output:  `{"found":false,"x":0,"y":0,"confidence":0.7}`,
			wantErr: "not found",
		},
		{
			name:    "negative coordinates",
			output:  `{"found":true,"x":-4,"y":12}`,
			wantErr: "invalid coordinates",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewClient([]string{"sh", "-c", "echo '" + tt.output + "'"})
			x, y, err := c.Locate(context.Background(), []byte("png"), "the Send button")
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantX, x)
			assert.Equal(t, tt.wantY, y)
		})
	}
}

func TestExpandTemplate(t *testing.T) {
	argv, sawPrompt := expandTemplate(
		[]string{"vlm", "--image", PlaceholderScreenshot, "-p", PlaceholderPrompt},
		"/tmp/shot.png", "is it done?",
	)
	assert.True(t, sawPrompt)
	assert.Equal(t, []string{"vlm", "--image", "/tmp/shot.png", "-p", "is it done?"}, argv)

	argv, sawPrompt = expandTemplate([]string{"vlm", PlaceholderScreenshot}, "/tmp/shot.png", "p")
	assert.False(t, sawPrompt)
	assert.Equal(t, []string{"vlm", "/tmp/shot.png"}, argv)
}
