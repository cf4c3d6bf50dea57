package dsl

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// yamlFile — альтернативный формат описания сущностей:
//
//	module: blog
//	entities:
//	  - name: Post
//	    options: {table: posts, ordering: "-created_at"}
//	    fields:
//	      - {name: title, type: string, options: {required: "true"}}
//	      - {name: author, type: "ref[User]"}
//	    unique: [[title, author]]
type yamlFile struct {
	Module   string       `yaml:"module"`
	Entities []yamlEntity `yaml:"entities"`
}

type yamlEntity struct {
	Name    string            `yaml:"name"`
	Module  string            `yaml:"module,omitempty"`
	Options map[string]string `yaml:"options,omitempty"`
	Fields  []yamlField       `yaml:"fields"`
	Unique  [][]string        `yaml:"unique,omitempty"`
}

type yamlField struct {
	Name    string            `yaml:"name"`
	Type    string            `yaml:"type"`
	Options map[string]string `yaml:"options,omitempty"`
}

// LoadYAML читает сущности из YAML-файла.
func LoadYAML(path string) ([]*Entity, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseYAML(data)
}

// ParseYAML разбирает YAML-описание сущностей.
func ParseYAML(data []byte) ([]*Entity, error) {
	var doc yamlFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	out := make([]*Entity, 0, len(doc.Entities))
	for _, ye := range doc.Entities {
		e := &Entity{
			Name:    ye.Name,
			Module:  ye.Module,
			Options: map[string]string{},
		}
		if e.Module == "" {
			e.Module = doc.Module
		}
		for k, v := range ye.Options {
			e.Options[strings.ToLower(k)] = v
		}
		for _, yf := range ye.Fields {
			if yf.Name == "" || yf.Type == "" {
				return nil, fmt.Errorf("entity %s: field without name or type", ye.Name)
			}
			f := Field{Name: yf.Name, Options: map[string]string{}}
			for k, v := range yf.Options {
				f.Options[strings.ToLower(k)] = v
			}
			parseType(&f, strings.TrimSpace(yf.Type))
			e.Fields = append(e.Fields, f)
		}
		e.Constraints.Unique = ye.Unique
		out = append(out, e)
	}
	return out, nil
}
