package matchconfig

import (
	"context"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/Ramsey-B/thistle/pkg/models"
)

// Source produces a raw, not yet validated, MatchConfig
type Source interface {
	Name() string
	Load(ctx context.Context) (*models.MatchConfig, error)
}

// FileSource reads a YAML MatchConfig from disk
type FileSource struct {
	Path string
}

func NewFileSource(path string) *FileSource {
	return &FileSource{Path: path}
}

func (s *FileSource) Name() string {
	return "file:" + s.Path
}

func (s *FileSource) Load(ctx context.Context) (*models.MatchConfig, error) {
	data, err := os.ReadFile(s.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to read match config %s: %w", s.Path, err)
	}
	return Parse(data)
}

// StaticSource serves a fixed config, used by tests and embedded callers
type StaticSource struct {
	Config *models.MatchConfig
}

func NewStaticSource(cfg *models.MatchConfig) *StaticSource {
	return &StaticSource{Config: cfg}
}

func (s *StaticSource) Name() string {
	return "static"
}

func (s *StaticSource) Load(ctx context.Context) (*models.MatchConfig, error) {
	if s.Config == nil {
		return nil, fmt.Errorf("no match config provided")
	}
	return s.Config.Clone(), nil
}

// Parse decodes YAML into a MatchConfig. Entries of exact_combos may be lists or
// comma separated strings.
func Parse(data []byte) (*models.MatchConfig, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse match config: %w", err)
	}
	if len(doc.Content) == 0 {
		return nil, fmt.Errorf("match config is empty")
	}
	root := doc.Content[0]
	expandComboStrings(root)

	var cfg models.MatchConfig
	if err := root.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode match config: %w", err)
	}
	if cfg.Fuzzy.PoolLimit == 0 {
		cfg.Fuzzy.PoolLimit = models.DefaultMatchConfig().Fuzzy.PoolLimit
	}
	return &cfg, nil
}

func expandComboStrings(root *yaml.Node) {
	if root.Kind != yaml.MappingNode {
		return
	}
	for i := 0; i+1 < len(root.Content); i += 2 {
		if root.Content[i].Value != "exact_combos" {
			continue
		}
		combos := root.Content[i+1]
		if combos.Kind == yaml.ScalarNode {
			// legacy "a,b;c" form for the whole list
			root.Content[i+1] = comboListNode(ParseComboList(combos.Value))
			continue
		}
		for j, item := range combos.Content {
			if item.Kind == yaml.ScalarNode {
				combos.Content[j] = stringListNode(splitFields(item.Value, ","))
			}
		}
	}
}

func comboListNode(combos [][]string) *yaml.Node {
	node := &yaml.Node{Kind: yaml.SequenceNode, Tag: "!!seq"}
	for _, combo := range combos {
		node.Content = append(node.Content, stringListNode(combo))
	}
	return node
}

func stringListNode(values []string) *yaml.Node {
	node := &yaml.Node{Kind: yaml.SequenceNode, Tag: "!!seq"}
	for _, v := range values {
		node.Content = append(node.Content, &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: v})
	}
	return node
}

// ParseComboList parses the legacy "a,b;c" format: semicolons separate combos and
// commas separate the fields inside one combo. Blank entries are dropped.
func ParseComboList(raw string) [][]string {
	var out [][]string
	for _, part := range strings.Split(raw, ";") {
		if fields := splitFields(part, ","); len(fields) > 0 {
			out = append(out, fields)
		}
	}
	return out
}

func splitFields(raw, sep string) []string {
	var out []string
	for _, f := range strings.Split(raw, sep) {
		if f = strings.TrimSpace(f); f != "" {
			out = append(out, f)
		}
	}
	return out
}
