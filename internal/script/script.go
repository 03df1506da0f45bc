// Package script parses action plans: markdown documents whose YAML
// frontmatter names the platform and defaults, and whose "## Stage N:"
// sections carry fenced YAML blocks of actions. Plans are how multi-step
// flows (compose a message, send it, verify the receipt) are described
// without writing code.
package script

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
	"gopkg.in/yaml.v3"

	"github.com/harrison/actuator/internal/action"
)

var stageRegex = regexp.MustCompile(`^Stage\s+(\d+)\s*:\s*(.+)$`)

// Parser parses plan documents.
type Parser struct {
	markdown goldmark.Markdown
}

// NewParser creates a plan parser.
func NewParser() *Parser {
	return &Parser{
		markdown: goldmark.New(),
	}
}

// frontmatterYAML is the plan frontmatter wire format.
type frontmatterYAML struct {
	Platform string `yaml:"platform"`
	Resource string `yaml:"resource"`
	Defaults struct {
		Timeout string `yaml:"timeout"`
		Mode    string `yaml:"mode"`
	} `yaml:"defaults"`
}

// stepYAML is one action entry in a fenced block.
type stepYAML struct {
	Kind    string            `yaml:"kind"`
	Target  string            `yaml:"target"`
	Hint    string            `yaml:"hint"`
	Text    string            `yaml:"text"`
	URL     string            `yaml:"url"`
	Timeout string            `yaml:"timeout"`
	Context map[string]string `yaml:"context"`
	Steps   []substepYAML     `yaml:"steps"`
}

type substepYAML struct {
	Kind string `yaml:"kind"`
	Hint string `yaml:"hint"`
	Text string `yaml:"text"`
}

// ParseFile parses the plan at path. An untitled plan takes its name from
// the file name.
func (p *Parser) ParseFile(path string) (*Plan, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open plan: %w", err)
	}
	defer func() { _ = f.Close() }()

	plan, err := p.Parse(f)
	if err != nil {
		return nil, fmt.Errorf("failed to parse plan %s: %w", path, err)
	}
	if plan.Name == "" {
		plan.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	return plan, nil
}

// Parse reads a plan document. It returns an error for malformed documents;
// semantically invalid actions are reported by Plan.Validate so a single
// pass can list every problem.
func (p *Parser) Parse(r io.Reader) (*Plan, error) {
	content, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read content: %w", err)
	}

	plan := &Plan{Defaults: Defaults{Timeout: DefaultActionTimeout}}

	body, frontmatter := extractFrontmatter(content)
	if frontmatter != nil {
		if err := parseFrontmatter(frontmatter, plan); err != nil {
			return nil, fmt.Errorf("failed to parse frontmatter: %w", err)
		}
	}

	doc := p.markdown.Parser().Parse(text.NewReader(body))

	var current *Stage
	closeStage := func() {
		if current != nil {
			plan.Stages = append(plan.Stages, *current)
			current = nil
		}
	}

	var walkErr error
	err = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}

		switch node := n.(type) {
		case *ast.Heading:
			if node.Level == 1 && plan.Name == "" {
				plan.Name = extractText(node, body)
				return ast.WalkSkipChildren, nil
			}
			if node.Level != 2 {
				return ast.WalkContinue, nil
			}
			closeStage()
			if m := stageRegex.FindStringSubmatch(extractText(node, body)); len(m) == 3 {
				number, _ := strconv.Atoi(m[1])
				current = &Stage{Number: number, Name: strings.TrimSpace(m[2])}
			}
			return ast.WalkSkipChildren, nil

		case *ast.FencedCodeBlock:
			// YAML blocks outside a stage are illustrations, not actions.
			if current == nil {
				return ast.WalkSkipChildren, nil
			}
			if lang := string(node.Language(body)); lang != "" && lang != "yaml" && lang != "yml" {
				return ast.WalkSkipChildren, nil
			}
			reqs, err := p.parseActions(blockContent(node, body), plan)
			if err != nil {
				walkErr = fmt.Errorf("stage %d (%s): %w", current.Number, current.Name, err)
				return ast.WalkStop, nil
			}
			current.Actions = append(current.Actions, reqs...)
			return ast.WalkSkipChildren, nil
		}

		return ast.WalkContinue, nil
	})
	if err != nil {
		return nil, err
	}
	if walkErr != nil {
		return nil, walkErr
	}
	closeStage()

	return plan, nil
}

// parseActions decodes one fenced YAML block into requests with the plan's
// defaults applied.
func (p *Parser) parseActions(block []byte, plan *Plan) ([]*action.Request, error) {
	var steps []stepYAML
	if err := yaml.Unmarshal(block, &steps); err != nil {
		return nil, fmt.Errorf("failed to decode action block: %w", err)
	}

	reqs := make([]*action.Request, 0, len(steps))
	for i, step := range steps {
		req, err := step.toRequest(plan)
		if err != nil {
			return nil, fmt.Errorf("action %d: %w", i+1, err)
		}
		reqs = append(reqs, req)
	}
	return reqs, nil
}

func (s stepYAML) toRequest(plan *Plan) (*action.Request, error) {
	kind, err := action.ParseKind(s.Kind)
	if err != nil {
		return nil, err
	}

	timeout := plan.Defaults.Timeout
	if s.Timeout != "" {
		d, err := time.ParseDuration(s.Timeout)
		if err != nil {
			return nil, fmt.Errorf("invalid timeout %q: %w", s.Timeout, err)
		}
		timeout = d
	}

	req := &action.Request{
		Kind:      kind,
		Target:    strings.TrimSpace(s.Target),
		Hint:      strings.TrimSpace(s.Hint),
		InputText: s.Text,
		Platform:  plan.Platform,
		Timeout:   timeout,
	}

	ctx := make(map[string]string, len(s.Context)+3)
	for k, v := range s.Context {
		ctx[k] = v
	}
	if s.URL != "" {
		ctx[action.ContextURL] = s.URL
	}
	if plan.Resource != "" && ctx[action.ContextResource] == "" {
		ctx[action.ContextResource] = plan.Resource
	}
	if kind == action.KindComposite && len(s.Steps) > 0 {
		encoded, err := encodeSteps(s.Steps)
		if err != nil {
			return nil, err
		}
		ctx[action.ContextSteps] = encoded
	}
	if len(ctx) > 0 {
		req.Context = ctx
	}
	return req, nil
}

// encodeSteps converts nested YAML substeps into the canonical JSON encoding
// carried in the request context.
func encodeSteps(subs []substepYAML) (string, error) {
	steps := make([]action.Step, 0, len(subs))
	for i, sub := range subs {
		kind, err := action.ParseKind(sub.Kind)
		if err != nil {
			return "", fmt.Errorf("step %d: %w", i+1, err)
		}
		steps = append(steps, action.Step{Kind: kind, Hint: sub.Hint, Text: sub.Text})
	}
	encoded, err := json.Marshal(steps)
	if err != nil {
		return "", fmt.Errorf("failed to encode steps: %w", err)
	}
	return string(encoded), nil
}

func parseFrontmatter(frontmatter []byte, plan *Plan) error {
	var fm frontmatterYAML
	if err := yaml.Unmarshal(frontmatter, &fm); err != nil {
		return err
	}

	plan.Platform = strings.TrimSpace(fm.Platform)
	plan.Resource = strings.TrimSpace(fm.Resource)

	if fm.Defaults.Timeout != "" {
		d, err := time.ParseDuration(fm.Defaults.Timeout)
		if err != nil {
			return fmt.Errorf("invalid default timeout %q: %w", fm.Defaults.Timeout, err)
		}
		if d <= 0 {
			return fmt.Errorf("default timeout must be positive, got %v", d)
		}
		plan.Defaults.Timeout = d
	}

	mode := strings.ToLower(strings.TrimSpace(fm.Defaults.Mode))
	validModes := map[string]bool{"": true, "inproc": true, "thread": true, "subprocess": true}
	if !validModes[mode] {
		return fmt.Errorf("invalid default mode %q", fm.Defaults.Mode)
	}
	plan.Defaults.Mode = mode

	return nil
}

// extractFrontmatter splits a document into body and YAML frontmatter. The
// frontmatter is nil when the document does not start with a --- block.
func extractFrontmatter(content []byte) (body, frontmatter []byte) {
	lines := bytes.Split(content, []byte("\n"))
	if len(lines) < 3 || !bytes.Equal(bytes.TrimSpace(lines[0]), []byte("---")) {
		return content, nil
	}

	for i := 1; i < len(lines); i++ {
		if bytes.Equal(bytes.TrimSpace(lines[i]), []byte("---")) {
			frontmatter = bytes.Join(lines[1:i], []byte("\n"))
			body = bytes.Join(lines[i+1:], []byte("\n"))
			return body, frontmatter
		}
	}

	return content, nil
}

// extractText extracts plain text from an AST node's direct children.
func extractText(n ast.Node, source []byte) string {
	var buf bytes.Buffer
	for c := n.FirstChild(); c != nil; c = c.NextSibling() {
		if t, ok := c.(*ast.Text); ok {
			buf.Write(t.Segment.Value(source))
		}
	}
	return strings.TrimSpace(buf.String())
}

// blockContent joins a fenced block's lines back into its raw content.
func blockContent(node *ast.FencedCodeBlock, source []byte) []byte {
	var buf bytes.Buffer
	lines := node.Lines()
	for i := 0; i < lines.Len(); i++ {
		seg := lines.At(i)
		buf.Write(seg.Value(source))
	}
	return buf.Bytes()
}
