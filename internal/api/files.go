package api

import (
	"fmt"
	"mime/multipart"
	"net/http"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"korm/internal/meta"
	"korm/internal/orm"
)

// fileField проверяет, что :field — file-поле сущности.
func fileField(et *meta.EntityType, name string) (meta.Field, error) {
	f, ok := et.Field(name)
	if !ok || f.Kind != meta.KindFile {
		return meta.Field{}, &validationError{Errs: []FieldError{
			ferr(ErrTypeMismatch, name, "Field '"+name+"' is not a file field"),
		}}
	}
	return f, nil
}

// POST /api/:module/:entity/:id/_file/:field
func (s *Server) UploadFileHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		et, id, err := s.entityAndID(c)
		if err != nil {
			s.fail(c, err)
			return
		}
		f, err := fileField(et, c.Param("field"))
		if err != nil {
			s.fail(c, err)
			return
		}
		if s.Blob == nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "blob store not configured"})
			return
		}

		// multipart
		file, hdr, err := c.Request.FormFile("file")
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "multipart file not found (field name 'file')"})
			return
		}
		defer file.Close()

		ctx := c.Request.Context()
		var (
			inst     *orm.Instance
			key, sum string
			size     int64
		)
		err = s.withEngine(ctx, func(e *orm.Engine) error {
			// запись должна существовать до того, как файл попадёт в хранилище
			if inst, err = getByID(ctx, e, et, id); err != nil {
				return err
			}
			key = newBlobKey(time.Now().UTC()) + "/" + safeName(hdr)
			if key, size, sum, err = s.Blob.Put(key, file); err != nil {
				return fmt.Errorf("store error: %w", err)
			}
			if err = e.Update(ctx, inst, orm.Set{f.Name: orm.FileRef{Path: key}}); err != nil {
				_ = s.Blob.Delete(key)
				return err
			}
			return nil
		})
		if err != nil {
			s.fail(c, err)
			return
		}

		c.JSON(http.StatusCreated, gin.H{
			"storage_key": key,
			"size":        size,
			"hash":        sum,
			"file_name":   safeName(hdr),
			"record":      flatten(inst),
		})
	}
}

// GET /api/:module/:entity/:id/_file/:field
func (s *Server) DownloadFileHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		et, id, err := s.entityAndID(c)
		if err != nil {
			s.fail(c, err)
			return
		}
		f, err := fileField(et, c.Param("field"))
		if err != nil {
			s.fail(c, err)
			return
		}
		if s.Blob == nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "blob store not configured"})
			return
		}

		var inst *orm.Instance
		ctx := c.Request.Context()
		err = s.withEngine(ctx, func(e *orm.Engine) error {
			inst, err = getByID(ctx, e, et, id)
			return err
		})
		if err != nil {
			s.fail(c, err)
			return
		}
		ref, ok := inst.Get(f.Name).(orm.FileRef)
		if !ok || ref.Path == "" {
			s.fail(c, fmt.Errorf("%s of %s: %w", f.Name, inst, errNotFound))
			return
		}
		p, err := s.Blob.Path(ref.Path)
		if err != nil {
			s.fail(c, err)
			return
		}
		c.FileAttachment(p, path.Base(ref.Path))
	}
}

func safeName(h *multipart.FileHeader) string {
	name := h.Filename
	name = filepath.Base(name)
	name = strings.TrimSpace(name)
	if name == "" || name == "." || name == string(filepath.Separator) {
		return "file"
	}
	return name
}
