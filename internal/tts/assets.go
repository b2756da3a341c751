package tts

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

const (
	ConfigTemplateName = "voicereader-pocket-tts.yaml"
	WeightsName        = "tts_b6369a24.safetensors"
	TokenizerName      = "tokenizer.model"
	runtimeConfigDir   = "model-runtime"
)

// PrepareModelAssets checks the model directory and writes a runtime copy of
// the config template whose asset paths point into modelDir. It returns the
// path of the written config.
func PrepareModelAssets(modelDir, dataDir string) (string, error) {
	modelDir, err := filepath.Abs(modelDir)
	if err != nil {
		return "", fmt.Errorf("%w: resolve model dir: %v", ErrConfiguration, err)
	}
	templatePath := filepath.Join(modelDir, ConfigTemplateName)
	weights := filepath.Join(modelDir, WeightsName)
	tokenizer := filepath.Join(modelDir, TokenizerName)
	for _, required := range []string{templatePath, weights, tokenizer} {
		if _, err := os.Stat(required); err != nil {
			return "", fmt.Errorf("%w: missing model asset %s", ErrConfiguration, required)
		}
	}

	template, err := os.ReadFile(templatePath)
	if err != nil {
		return "", fmt.Errorf("%w: read config template: %v", ErrConfiguration, err)
	}
	rewritten, err := RewriteConfigPaths(template, filepath.ToSlash(weights), filepath.ToSlash(tokenizer))
	if err != nil {
		return "", err
	}

	dir := filepath.Join(dataDir, runtimeConfigDir, "config")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create runtime config dir: %w", err)
	}
	out := filepath.Join(dir, ConfigTemplateName)
	if err := os.WriteFile(out, rewritten, 0o644); err != nil {
		return "", fmt.Errorf("write runtime config: %w", err)
	}
	return out, nil
}

// RewriteConfigPaths replaces every weights_path,
// weights_path_without_voice_cloning and tokenizer_path value in a YAML
// document. Each key must appear at least once.
func RewriteConfigPaths(template []byte, weightsPath, tokenizerPath string) ([]byte, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(template, &doc); err != nil {
		return nil, fmt.Errorf("%w: parse config template: %v", ErrConfiguration, err)
	}
	replacements := map[string]string{
		"weights_path":                       weightsPath,
		"weights_path_without_voice_cloning": weightsPath,
		"tokenizer_path":                     tokenizerPath,
	}
	seen := make(map[string]bool, len(replacements))
	rewriteNode(&doc, replacements, seen)
	for key := range replacements {
		if !seen[key] {
			return nil, fmt.Errorf("%w: config template is missing %s", ErrConfiguration, key)
		}
	}

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(&doc); err != nil {
		return nil, fmt.Errorf("%w: encode config: %v", ErrConfiguration, err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("%w: encode config: %v", ErrConfiguration, err)
	}
	return buf.Bytes(), nil
}

func rewriteNode(node *yaml.Node, replacements map[string]string, seen map[string]bool) {
	if node.Kind == yaml.MappingNode {
		for i := 0; i+1 < len(node.Content); i += 2 {
			key, value := node.Content[i], node.Content[i+1]
			if replacement, ok := replacements[key.Value]; ok && value.Kind == yaml.ScalarNode {
				value.Value = replacement
				value.Tag = "!!str"
				value.Style = yaml.DoubleQuotedStyle
				seen[key.Value] = true
				continue
			}
			rewriteNode(value, replacements, seen)
		}
		return
	}
	for _, child := range node.Content {
		rewriteNode(child, replacements, seen)
	}
}
