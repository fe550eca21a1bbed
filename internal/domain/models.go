// Package domain defines the records of the social feed: posts, likes and
// comments. These types are mapped with GORM for the backing store and are
// also the payloads carried by change events and held in the client-side
// aggregate store.
package domain

import (
	"path"
	"strings"
	"time"
)

// Post is a user-authored entry in the feed. A post owns its likes and
// comments; they are loaded alongside it and removed with it.
//
// Fields:
//   - ID: UUID primary key assigned by the backing store (char(36)).
//   - UserID: author identifier; indexed for per-user counts.
//   - Title / Body: free text, either may be empty but not both when there
//     is no attachment.
//   - AttachmentRef: opaque storage key inside the attachment bucket. It is
//     never a URL; readable links are produced by the token cache.
//   - ClientRef: correlation id stamped by the publishing client, used to
//     promote a local placeholder to its confirmed record.
//   - CreatedAt: creation order key; the feed is ordered newest first on it.
//   - UpdatedAt: last edit time.
//   - Likes / Comments: owned collections. A nil slice means "not loaded",
//     an empty slice means "loaded and empty".
type Post struct {
	ID            string    `json:"id"                       gorm:"type:char(36);primaryKey"`
	UserID        string    `json:"user_id"                  gorm:"type:varchar(64);not null;index:idx_user_posts"`
	Title         string    `json:"title"                    gorm:"type:varchar(255);not null;default:''"`
	Body          string    `json:"body"                     gorm:"type:text;not null;default:''"`
	AttachmentRef *string   `json:"attachment_ref,omitempty" gorm:"type:varchar(255)"`
	ClientRef     *string   `json:"client_ref,omitempty"     gorm:"type:char(36);index:idx_posts_client_ref"`
	CreatedAt     time.Time `json:"created_at"               gorm:"index:idx_posts_created"`
	UpdatedAt     time.Time `json:"updated_at"`

	Likes    []Like    `json:"likes,omitempty"    gorm:"foreignKey:PostID;references:ID"`
	Comments []Comment `json:"comments,omitempty" gorm:"foreignKey:PostID;references:ID"`
}

// TableName returns the database table name for Post.
func (Post) TableName() string { return "posts" }

// HasAttachment reports whether the post references a stored file.
func (p *Post) HasAttachment() bool {
	return p.AttachmentRef != nil && *p.AttachmentRef != ""
}

// IsEmpty reports whether the post carries no title, no body and no
// attachment. Such posts are never published.
func (p *Post) IsEmpty() bool {
	return strings.TrimSpace(p.Title) == "" &&
		strings.TrimSpace(p.Body) == "" &&
		!p.HasAttachment()
}

// Like marks that a user liked a post. A user holds at most one like per
// post; the unique index backs the read-then-write toggle.
type Like struct {
	ID        string    `json:"id"         gorm:"type:char(36);primaryKey"`
	PostID    string    `json:"post_id"    gorm:"type:char(36);not null;index;uniqueIndex:ux_likes_post_user"`
	UserID    string    `json:"user_id"    gorm:"type:varchar(64);not null;index;uniqueIndex:ux_likes_post_user"`
	CreatedAt time.Time `json:"created_at"`

	// Post is the liked post. Likes are cascade-deleted with it.
	Post *Post `json:"-" gorm:"foreignKey:PostID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

// TableName returns the database table name for Like.
func (Like) TableName() string { return "post_likes" }

// Comment is a short text left by a user on a post.
type Comment struct {
	ID        string    `json:"id"          gorm:"type:char(36);primaryKey"`
	PostID    string    `json:"post_id"     gorm:"type:char(36);not null;index:idx_post_comments,priority:1"`
	UserID    string    `json:"user_id"     gorm:"type:varchar(64);not null;index"`
	Text      string    `json:"text"        gorm:"type:text;not null"`
	CreatedAt time.Time `json:"created_at"  gorm:"index:idx_post_comments,priority:2"`

	Post *Post `json:"-" gorm:"foreignKey:PostID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

// TableName returns the database table name for Comment.
func (Comment) TableName() string { return "post_comments" }

// AllowedAttachmentExts lists the file extensions accepted for upload.
var AllowedAttachmentExts = []string{".jpg", ".jpeg", ".png", ".pdf", ".docx", ".txt"}

// AttachmentExt returns the lower-cased extension of name, or "" if the
// extension is not accepted for upload.
func AttachmentExt(name string) string {
	ext := strings.ToLower(path.Ext(name))
	for _, a := range AllowedAttachmentExts {
		if ext == a {
			return ext
		}
	}
	return ""
}

// AttachmentIsImage reports whether the referenced attachment is rendered
// inline as an image.
func AttachmentIsImage(ref string) bool {
	switch strings.ToLower(path.Ext(ref)) {
	case ".png", ".jpg", ".jpeg":
		return true
	}
	return false
}
