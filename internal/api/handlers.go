package api

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"korm/internal/meta"
	"korm/internal/orm"
)

// POST /api/:module/:entity
func (s *Server) CreateHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		et, err := s.entity(c)
		if err != nil {
			s.fail(c, err)
			return
		}
		var body map[string]any
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid JSON"})
			return
		}
		vals, err := validate(s.Reg, et, body, true)
		if err != nil {
			s.fail(c, err)
			return
		}

		var inst *orm.Instance
		err = s.withEngine(c.Request.Context(), func(e *orm.Engine) error {
			inst, err = e.New(et.FQN, vals)
			if err != nil {
				return err
			}
			// ключ, заданный клиентом (не serial), — всё равно вставка
			_, err = e.SaveAll(c.Request.Context(), []*orm.Instance{inst})
			return err
		})
		if err != nil {
			s.fail(c, err)
			return
		}
		c.JSON(http.StatusCreated, flatten(inst))
	}
}

// POST /api/:module/:entity/_bulk — все записи одним INSERT: либо все, либо ни одной.
func (s *Server) BulkCreateHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		et, err := s.entity(c)
		if err != nil {
			s.fail(c, err)
			return
		}
		var body []map[string]any
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid JSON array"})
			return
		}
		if len(body) == 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Empty batch"})
			return
		}

		rows := make([]map[string]any, len(body))
		var bad []gin.H
		for i, obj := range body {
			vals, err := validate(s.Reg, et, obj, true)
			if err != nil {
				bad = append(bad, gin.H{"index": i, "errors": err.(*validationError).Errs})
				continue
			}
			rows[i] = vals
		}
		if len(bad) > 0 {
			c.JSON(http.StatusBadRequest, gin.H{"errors": bad})
			return
		}

		insts := make([]*orm.Instance, len(rows))
		err = s.withEngine(c.Request.Context(), func(e *orm.Engine) error {
			for i, vals := range rows {
				if insts[i], err = e.New(et.FQN, vals); err != nil {
					return err
				}
			}
			_, err := e.SaveAll(c.Request.Context(), insts)
			return err
		})
		if err != nil {
			s.fail(c, err)
			return
		}
		c.JSON(http.StatusCreated, flattenAll(insts))
	}
}

// GET /api/:module/:entity
func (s *Server) ListHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		et, err := s.entity(c)
		if err != nil {
			s.fail(c, err)
			return
		}
		q := c.Request.URL.Query()
		where, err := buildConds(s.Reg, et, q)
		if err != nil {
			s.fail(c, err)
			return
		}
		lp := parseListParams(q)

		var (
			total int64
			page  []*orm.Instance
		)
		ctx := c.Request.Context()
		err = s.withEngine(ctx, func(e *orm.Engine) error {
			if total, err = e.Count(ctx, et.FQN, where); err != nil {
				return err
			}
			if page, err = e.GetPage(ctx, et.FQN, where, orm.Page{Limit: lp.Limit, Offset: lp.Offset}); err != nil {
				return err
			}
			if len(lp.Prefetch) > 0 {
				return e.Prefetch(ctx, page, lp.Prefetch...)
			}
			return nil
		})
		if err != nil {
			s.fail(c, err)
			return
		}
		c.Header("X-Total-Count", strconv.FormatInt(total, 10))
		c.JSON(http.StatusOK, flattenAll(page))
	}
}

// GET /api/:module/:entity/_count
func (s *Server) CountHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		et, err := s.entity(c)
		if err != nil {
			s.fail(c, err)
			return
		}
		where, err := buildConds(s.Reg, et, c.Request.URL.Query())
		if err != nil {
			s.fail(c, err)
			return
		}
		var total int64
		ctx := c.Request.Context()
		err = s.withEngine(ctx, func(e *orm.Engine) error {
			total, err = e.Count(ctx, et.FQN, where)
			return err
		})
		if err != nil {
			s.fail(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"total": total})
	}
}

// GET /api/:module/:entity/:id
func (s *Server) GetOneHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		et, id, err := s.entityAndID(c)
		if err != nil {
			s.fail(c, err)
			return
		}
		prefetch := splitList(c.Query("_prefetch"))

		var inst *orm.Instance
		ctx := c.Request.Context()
		err = s.withEngine(ctx, func(e *orm.Engine) error {
			if inst, err = getByID(ctx, e, et, id); err != nil {
				return err
			}
			if len(prefetch) > 0 {
				return e.PrefetchOne(ctx, inst, prefetch...)
			}
			return nil
		})
		if err != nil {
			s.fail(c, err)
			return
		}
		c.JSON(http.StatusOK, flatten(inst))
	}
}

// PATCH /api/:module/:entity/:id — пишутся только переданные поля.
func (s *Server) UpdatePartialHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		et, id, err := s.entityAndID(c)
		if err != nil {
			s.fail(c, err)
			return
		}
		var body map[string]any
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid JSON"})
			return
		}
		if len(body) == 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Nothing to update"})
			return
		}
		vals, err := validate(s.Reg, et, body, false)
		if err != nil {
			s.fail(c, err)
			return
		}

		var inst *orm.Instance
		ctx := c.Request.Context()
		err = s.withEngine(ctx, func(e *orm.Engine) error {
			if inst, err = getByID(ctx, e, et, id); err != nil {
				return err
			}
			return e.Update(ctx, inst, orm.Set(vals))
		})
		if err != nil {
			s.fail(c, err)
			return
		}
		c.JSON(http.StatusOK, flatten(inst))
	}
}

// DELETE /api/:module/:entity/:id
func (s *Server) DeleteHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		et, id, err := s.entityAndID(c)
		if err != nil {
			s.fail(c, err)
			return
		}
		ctx := c.Request.Context()
		err = s.withEngine(ctx, func(e *orm.Engine) error {
			n, err := e.DeleteWhere(ctx, et.FQN, orm.Where{orm.Eq(et.PKField().Name, id)})
			if err == nil && n == 0 {
				return errNotFound
			}
			return err
		})
		if err != nil {
			s.fail(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	}
}

// entityAndID разрешает сущность и приводит :id к типу её ключа.
func (s *Server) entityAndID(c *gin.Context) (*meta.EntityType, any, error) {
	et, err := s.entity(c)
	if err != nil {
		return nil, nil, err
	}
	pk := et.PKField()
	id, err := coerceValue(s.Reg, pk, c.Param("id"))
	if err != nil {
		return nil, nil, &validationError{Errs: []FieldError{ferr(ErrTypeMismatch, pk.Name, err.Error())}}
	}
	return et, id, nil
}

func getByID(ctx context.Context, e *orm.Engine, et *meta.EntityType, id any) (*orm.Instance, error) {
	inst, err := e.Get(ctx, et.FQN, orm.Where{orm.Eq(et.PKField().Name, id)})
	if err != nil {
		return nil, err
	}
	if inst == nil {
		return nil, errNotFound
	}
	return inst, nil
}
