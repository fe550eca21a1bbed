package domain

import (
	"fmt"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite" // pure-Go SQLite (no CGO)
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newDomainDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:domain_models_%s?mode=memory&cache=shared&_pragma=foreign_keys(1)", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	// Enforce FKs so cascades actually execute.
	db.Exec("PRAGMA foreign_keys=ON;")
	return db
}

func strp(s string) *string { return &s }

func TestTableNames(t *testing.T) {
	if (Post{}).TableName() != "posts" {
		t.Fatalf("Post.TableName() = %q; want %q", (Post{}).TableName(), "posts")
	}
	if (Like{}).TableName() != "post_likes" {
		t.Fatalf("Like.TableName() = %q; want %q", (Like{}).TableName(), "post_likes")
	}
	if (Comment{}).TableName() != "post_comments" {
		t.Fatalf("Comment.TableName() = %q; want %q", (Comment{}).TableName(), "post_comments")
	}
}

func TestMigrations_Indexes_AndCascades(t *testing.T) {
	db := newDomainDB(t)

	if err := db.AutoMigrate(&Post{}, &Like{}, &Comment{}); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	m := db.Migrator()

	for _, tbl := range []any{&Post{}, &Like{}, &Comment{}} {
		if !m.HasTable(tbl) {
			t.Fatalf("expected table for %T to exist", tbl)
		}
	}
	if !m.HasIndex(&Post{}, "idx_posts_created") {
		t.Fatalf("expected index idx_posts_created on posts")
	}
	if !m.HasIndex(&Like{}, "ux_likes_post_user") {
		t.Fatalf("expected unique index ux_likes_post_user on post_likes")
	}

	now := time.Now().UTC()
	p := &Post{ID: uuid.NewString(), UserID: "u1", Body: "hello", CreatedAt: now}
	if err := db.Create(p).Error; err != nil {
		t.Fatalf("create post: %v", err)
	}
	if err := db.Create(&Like{ID: uuid.NewString(), PostID: p.ID, UserID: "u2", CreatedAt: now}).Error; err != nil {
		t.Fatalf("create like: %v", err)
	}
	if err := db.Create(&Comment{ID: uuid.NewString(), PostID: p.ID, UserID: "u2", Text: "nice", CreatedAt: now}).Error; err != nil {
		t.Fatalf("create comment: %v", err)
	}

	// Second like by the same user on the same post violates the unique index.
	if err := db.Create(&Like{ID: uuid.NewString(), PostID: p.ID, UserID: "u2", CreatedAt: now}).Error; err == nil {
		t.Fatalf("expected unique violation for duplicate like")
	}

	if err := db.Delete(&Post{}, "id = ?", p.ID).Error; err != nil {
		t.Fatalf("delete post: %v", err)
	}
	var likes, comments int64
	db.Model(&Like{}).Where("post_id = ?", p.ID).Count(&likes)
	db.Model(&Comment{}).Where("post_id = ?", p.ID).Count(&comments)
	if likes != 0 || comments != 0 {
		t.Fatalf("expected cascade delete, got likes=%d comments=%d", likes, comments)
	}
}

func TestPost_IsEmpty(t *testing.T) {
	cases := []struct {
		name string
		post Post
		want bool
	}{
		{"all blank", Post{Title: " ", Body: "\n\t"}, true},
		{"empty attachment ref", Post{AttachmentRef: strp("")}, true},
		{"title only", Post{Title: "hi"}, false},
		{"body only", Post{Body: "hi"}, false},
		{"attachment only", Post{AttachmentRef: strp("a.png")}, false},
	}
	for _, tc := range cases {
		if got := tc.post.IsEmpty(); got != tc.want {
			t.Fatalf("%s: IsEmpty()=%v want %v", tc.name, got, tc.want)
		}
	}
}

func TestAttachmentExt_And_IsImage(t *testing.T) {
	if got := AttachmentExt("Report.PDF"); got != ".pdf" {
		t.Fatalf("AttachmentExt pdf = %q", got)
	}
	if got := AttachmentExt("script.exe"); got != "" {
		t.Fatalf("AttachmentExt exe = %q; want empty", got)
	}
	if got := AttachmentExt("noext"); got != "" {
		t.Fatalf("AttachmentExt noext = %q; want empty", got)
	}
	for _, ref := range []string{"a.png", "b.JPG", "c.jpeg"} {
		if !AttachmentIsImage(ref) {
			t.Fatalf("expected %q to be an image", ref)
		}
	}
	for _, ref := range []string{"a.pdf", "b.docx", "c.txt", ""} {
		if AttachmentIsImage(ref) {
			t.Fatalf("expected %q not to be an image", ref)
		}
	}
}

func TestChangeEvent_RecordID(t *testing.T) {
	if id := (ChangeEvent{Post: &Post{ID: "p"}}).RecordID(); id != "p" {
		t.Fatalf("post id = %q", id)
	}
	if id := (ChangeEvent{Like: &Like{ID: "l"}}).RecordID(); id != "l" {
		t.Fatalf("like id = %q", id)
	}
	if id := (ChangeEvent{Comment: &Comment{ID: "c"}}).RecordID(); id != "c" {
		t.Fatalf("comment id = %q", id)
	}
	if id := (ChangeEvent{}).RecordID(); id != "" {
		t.Fatalf("empty id = %q", id)
	}
}

func TestAccessToken_ValidAt(t *testing.T) {
	now := time.Now()
	tok := AccessToken{Value: "v", ExpiresAt: now.Add(time.Minute)}
	if !tok.ValidAt(now) {
		t.Fatalf("expected valid before expiry")
	}
	if tok.ValidAt(now.Add(time.Minute)) {
		t.Fatalf("expected invalid at the expiry instant")
	}
	if (AccessToken{ExpiresAt: now.Add(time.Hour)}).ValidAt(now) {
		t.Fatalf("expected empty value to be invalid")
	}
}
