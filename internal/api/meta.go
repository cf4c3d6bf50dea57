package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// ===== META HANDLERS =====

type metaEntityListItem struct {
	Module string `json:"module"`
	Entity string `json:"entity"`
	Table  string `json:"table"`
}

func (s *Server) MetaListHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		types := s.Reg.Types()
		out := make([]metaEntityListItem, 0, len(types))
		for _, et := range types {
			out = append(out, metaEntityListItem{Module: et.Module, Entity: et.Name, Table: et.Table})
		}
		c.JSON(http.StatusOK, out)
	}
}

type metaField struct {
	Name     string   `json:"name"`
	Column   string   `json:"column,omitempty"`
	Type     string   `json:"type"`
	Kind     string   `json:"kind"`
	PK       bool     `json:"pk,omitempty"`
	Required bool     `json:"required,omitempty"`
	Unique   bool     `json:"unique,omitempty"`
	Default  string   `json:"default,omitempty"`
	Enum     []string `json:"enum,omitempty"`
	RefFQN   string   `json:"refFQN,omitempty"`
	OnDelete string   `json:"onDelete,omitempty"`
	Readonly bool     `json:"readonly,omitempty"`
}

type metaEntity struct {
	Module      string         `json:"module"`
	Entity      string         `json:"entity"`
	Table       string         `json:"table"`
	Ordering    []string       `json:"ordering,omitempty"`
	Fields      []metaField    `json:"fields"`
	Constraints map[string]any `json:"constraints,omitempty"` // {"unique":[["title","author"]]}
}

func (s *Server) MetaEntityHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		et, err := s.entity(c)
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "Entity not found"})
			return
		}

		fields := s.Reg.Fields(et, true)
		out := make([]metaField, 0, len(fields))
		for _, f := range fields {
			out = append(out, metaField{
				Name:     f.Name,
				Column:   f.Column,
				Type:     f.Type,
				Kind:     f.Kind.String(),
				PK:       f.PK,
				Required: f.Required,
				Unique:   f.Unique,
				Default:  f.Default,
				Enum:     append([]string(nil), f.Enum...),
				RefFQN:   f.Related,
				OnDelete: f.OnDelete,
				Readonly: readonly(f, true) != "",
			})
		}

		var constraints map[string]any
		if len(et.Unique) > 0 {
			uniq := make([][]string, 0, len(et.Unique))
			for _, set := range et.Unique {
				uniq = append(uniq, append([]string(nil), set...))
			}
			constraints = map[string]any{"unique": uniq}
		}

		c.JSON(http.StatusOK, metaEntity{
			Module:      et.Module,
			Entity:      et.Name,
			Table:       et.Table,
			Ordering:    append([]string(nil), et.Ordering...),
			Fields:      out,
			Constraints: constraints,
		})
	}
}
