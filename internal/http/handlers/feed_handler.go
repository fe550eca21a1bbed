// Feed HTTP handlers.
//
// This file exposes the feed endpoints:
//   - GET    /feed                  (page of the reconciled feed, ETag support)
//   - GET    /feed/stream           (server-sent feed versions)
//   - POST   /posts                 (publish, multipart or JSON)
//   - PATCH  /posts/{id}            (edit body)
//   - DELETE /posts/{id}
//   - POST   /posts/{id}/like       (toggle)
//   - POST   /posts/{id}/comments
//   - DELETE /comments/{id}
//   - GET    /users/{id}/stats
//   - GET    /files/{key}?token=    (signed attachment download)
//
// Handlers are transport-thin: they parse input, call the feed service and
// translate results into HTTP responses.
package handlers

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/Elias-FSILVA/VirAll/internal/domain"
	"github.com/Elias-FSILVA/VirAll/internal/identity"
	"github.com/Elias-FSILVA/VirAll/internal/objectstore"
	"github.com/Elias-FSILVA/VirAll/internal/services"
	"github.com/Elias-FSILVA/VirAll/internal/utils"
)

//
// Service contracts (context-aware)
//

// FeedService defines the feed operations consumed by HTTP handlers.
//
// Implementations should be safe for concurrent use and must honor the
// provided context for cancellation and timeouts.
type FeedService interface {
	Publish(ctx context.Context, userID string, in services.PublishInput) (*domain.Post, error)
	EditBody(ctx context.Context, userID, postID, body string) (*domain.Post, error)
	Delete(ctx context.Context, userID, postID string) error
	ToggleLike(ctx context.Context, userID, postID string) (bool, error)
	AddComment(ctx context.Context, userID, postID, text string) (*domain.Comment, error)
	DeleteComment(ctx context.Context, userID, commentID string) error
	Feed(ctx context.Context, viewerID string, offset, limit int) ([]services.PostView, int, error)
	UserStats(ctx context.Context, userID string) (services.UserStats, error)
}

// FeedWatcher reports feed changes.
type FeedWatcher interface {
	Version() uint64
	Watch() (<-chan uint64, func())
}

// FileStore serves attachments behind signed tokens.
type FileStore interface {
	Verify(key, token string) error
	Path(key string) (string, error)
	Exists(key string) bool
}

//
// Handler wiring
//

// Handlers groups the feed HTTP endpoints.
type Handlers struct {
	svc     FeedService
	watcher FeedWatcher
	files   FileStore

	// Heartbeat is the interval between keep-alive events on the feed stream.
	Heartbeat time.Duration
}

// New constructs and returns a Handlers instance bound to the given services.
func New(svc FeedService, watcher FeedWatcher, files FileStore) *Handlers {
	return &Handlers{svc: svc, watcher: watcher, files: files, Heartbeat: 25 * time.Second}
}

// userID returns the acting user attached by middleware.Identity, or "" for
// anonymous requests. The service decides whether a user is required.
func userID(c *gin.Context) string {
	u, err := identity.CurrentUser(c.Request.Context())
	if err != nil {
		return ""
	}
	return u.ID
}

// validID aborts with 400 unless c.Param(name) is a UUID.
func validID(c *gin.Context, name string) (string, bool) {
	id := c.Param(name)
	if _, err := uuid.Parse(id); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, name+" must be a UUID")
		return "", false
	}
	return id, true
}

//
// DTOs
//

// PublishRequest is the JSON payload for a post without attachment.
type PublishRequest struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

// EditBodyRequest is the JSON payload for editing a post body.
type EditBodyRequest struct {
	Body *string `json:"body" binding:"required"`
}

// CommentRequest is the JSON payload for adding a comment.
type CommentRequest struct {
	Text string `json:"text"`
}

// LikeResponse reports the like state after a toggle.
type LikeResponse struct {
	PostID string `json:"post_id"`
	Liked  bool   `json:"liked"`
}

// PendingResponse is returned when the backend accepted a post without
// assigning it an id yet.
type PendingResponse struct {
	ClientRef string `json:"client_ref"`
	Pending   bool   `json:"pending"`
}

// Pagination carries pagination metadata for list responses.
type Pagination struct {
	Offset  int  `json:"offset"`
	Limit   int  `json:"limit"`
	Total   int  `json:"total"`
	HasNext bool `json:"has_next"`
}

// FeedResponse wraps a page of the feed.
type FeedResponse struct {
	Posts      []services.PostView `json:"posts"`
	Pagination Pagination          `json:"pagination"`
	Version    uint64              `json:"version"`
}

// Feed page bounds.
const (
	defaultPageSize = 20
	maxPageSize     = 100
)

//
// Handlers
//

// ListFeed returns a page of the feed, newest first. The weak ETag covers
// the feed version and the attachment links on the page, so a regenerated
// link never answers 304.
func (h *Handlers) ListFeed(c *gin.Context) {
	uid := userID(c)
	page := utils.ParsePage(c.Query("offset"), c.Query("limit"), defaultPageSize, maxPageSize)
	offset, limit := page.Offset, page.Limit

	version := h.watcher.Version()
	posts, total, err := h.svc.Feed(c.Request.Context(), uid, offset, limit)
	if err != nil {
		failService(c, err)
		return
	}
	if posts == nil {
		posts = []services.PostView{}
	}

	etag := fmt.Sprintf(`W/"feed:%d:%s:%d:%d:%x"`, version, uid, offset, limit, linkDigest(posts))
	c.Header("ETag", etag)
	if inm := c.GetHeader("If-None-Match"); inm != "" && inm == etag {
		c.Status(http.StatusNotModified)
		return
	}

	ok(c, http.StatusOK, FeedResponse{
		Posts: posts,
		Pagination: Pagination{
			Offset:  offset,
			Limit:   limit,
			Total:   total,
			HasNext: page.HasNext(total),
		},
		Version: version,
	})
}

// linkDigest hashes the attachment links of posts in order.
func linkDigest(posts []services.PostView) uint64 {
	h := fnv.New64a()
	for _, p := range posts {
		_, _ = io.WriteString(h, p.AttachmentURL)
		_, _ = h.Write([]byte{0})
	}
	return h.Sum64()
}

// StreamFeed sends the feed version as a server-sent event on every change,
// starting with the current one. Clients refetch the feed when it moves.
func (h *Handlers) StreamFeed(c *gin.Context) {
	updates, cancel := h.watcher.Watch()
	defer cancel()

	// The server write timeout would cut the stream; clear it for this response.
	_ = http.NewResponseController(c.Writer).SetWriteDeadline(time.Time{})

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("X-Accel-Buffering", "no")
	c.SSEvent("version", h.watcher.Version())
	c.Writer.Flush()

	hb := h.Heartbeat
	if hb <= 0 {
		hb = 25 * time.Second
	}
	ticker := time.NewTicker(hb)
	defer ticker.Stop()

	ctx := c.Request.Context()
	c.Stream(func(io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case v, open := <-updates:
			if !open {
				return false
			}
			c.SSEvent("version", v)
			return true
		case <-ticker.C:
			c.SSEvent("ping", time.Now().Unix())
			return true
		}
	})
}

// Publish creates a post. Multipart requests may carry an attachment in
// the "file" field; JSON requests carry title and body only.
func (h *Handlers) Publish(c *gin.Context) {
	var in services.PublishInput

	if strings.HasPrefix(c.ContentType(), "multipart/") {
		if err := c.Request.ParseMultipartForm(multipartMemory); err != nil {
			failUpload(c, err)
			return
		}
		in.Title = c.PostForm("title")
		in.Body = c.PostForm("body")
		fh, err := c.FormFile("file")
		switch {
		case err == nil:
			f, err := fh.Open()
			if err != nil {
				fail(c, http.StatusBadRequest, ErrCodeBadRequest, "unreadable file")
				return
			}
			defer f.Close()
			in.File, in.FileName = f, fh.Filename
		case errors.Is(err, http.ErrMissingFile):
		default:
			failUpload(c, err)
			return
		}
	} else {
		var req PublishRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
			return
		}
		in.Title, in.Body = req.Title, req.Body
	}

	p, err := h.svc.Publish(c.Request.Context(), userID(c), in)
	if err != nil {
		failService(c, err)
		return
	}
	if p.ID == "" {
		ref := ""
		if p.ClientRef != nil {
			ref = *p.ClientRef
		}
		ok(c, http.StatusAccepted, PendingResponse{ClientRef: ref, Pending: true})
		return
	}
	ok(c, http.StatusCreated, p)
}

// multipartMemory is how much of an upload is buffered in memory before
// spilling to temporary files.
const multipartMemory = 8 << 20

func failUpload(c *gin.Context, err error) {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) || errors.Is(err, multipart.ErrMessageTooLarge) ||
		strings.Contains(err.Error(), "request body too large") {
		fail(c, http.StatusRequestEntityTooLarge, ErrCodeBadRequest, "upload too large")
		return
	}
	fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid multipart form")
}

// EditPost replaces the body of a post owned by the current user.
func (h *Handlers) EditPost(c *gin.Context) {
	postID, valid := validID(c, "id")
	if !valid {
		return
	}
	var req EditBodyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "body required")
		return
	}
	p, err := h.svc.EditBody(c.Request.Context(), userID(c), postID, *req.Body)
	if err != nil {
		failService(c, err)
		return
	}
	ok(c, http.StatusOK, p)
}

// DeletePost removes a post owned by the current user.
func (h *Handlers) DeletePost(c *gin.Context) {
	postID, valid := validID(c, "id")
	if !valid {
		return
	}
	if err := h.svc.Delete(c.Request.Context(), userID(c), postID); err != nil {
		failService(c, err)
		return
	}
	noContent(c)
}

// ToggleLike likes the post, or removes the like when one exists.
func (h *Handlers) ToggleLike(c *gin.Context) {
	postID, valid := validID(c, "id")
	if !valid {
		return
	}
	liked, err := h.svc.ToggleLike(c.Request.Context(), userID(c), postID)
	if err != nil {
		failService(c, err)
		return
	}
	ok(c, http.StatusOK, LikeResponse{PostID: postID, Liked: liked})
}

// AddComment appends a comment to a post.
func (h *Handlers) AddComment(c *gin.Context) {
	postID, valid := validID(c, "id")
	if !valid {
		return
	}
	var req CommentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
		return
	}
	cm, err := h.svc.AddComment(c.Request.Context(), userID(c), postID, req.Text)
	if err != nil {
		failService(c, err)
		return
	}
	ok(c, http.StatusCreated, cm)
}

// DeleteComment removes a comment written by the current user.
func (h *Handlers) DeleteComment(c *gin.Context) {
	commentID, valid := validID(c, "id")
	if !valid {
		return
	}
	if err := h.svc.DeleteComment(c.Request.Context(), userID(c), commentID); err != nil {
		failService(c, err)
		return
	}
	noContent(c)
}

// UserStats returns post and like counts for a user.
func (h *Handlers) UserStats(c *gin.Context) {
	st, err := h.svc.UserStats(c.Request.Context(), strings.TrimSpace(c.Param("id")))
	if err != nil {
		failService(c, err)
		return
	}
	ok(c, http.StatusOK, st)
}

// GetFile serves an attachment when the token query parameter was signed
// for exactly this key and has not expired.
func (h *Handlers) GetFile(c *gin.Context) {
	key := c.Param("key")
	path, err := h.files.Path(key)
	if err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid file key")
		return
	}
	if err := h.files.Verify(key, c.Query("token")); err != nil {
		fail(c, http.StatusForbidden, ErrCodeInvalidToken, "link expired or invalid")
		return
	}
	if !h.files.Exists(key) {
		fail(c, http.StatusNotFound, ErrCodeNotFound, objectstore.ErrObjectNotFound.Error())
		return
	}
	c.File(path)
}
