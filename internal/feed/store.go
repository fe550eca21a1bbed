// Package feed holds the client-side aggregate store: the ordered set of
// posts currently known to a feed client, each with its likes and comments.
//
// Every operation is idempotent by record id and none fails because its
// target is missing:
//   - likes and comments that arrive before their post are kept as orphans
//     and attached when the post shows up;
//   - removed records are tombstoned so that a late created or updated
//     event cannot bring them back.
//
// A Store is not safe for concurrent use. It is meant to be owned by a
// single goroutine (see package reconcile).
package feed

import (
	"sort"
	"time"

	"github.com/Elias-FSILVA/VirAll/internal/domain"
)

// DefaultTombstoneLimit bounds the number of remembered deletions.
const DefaultTombstoneLimit = 10000

// Outcome describes what a merge did to the store.
type Outcome int

const (
	Ignored  Outcome = iota // nothing changed
	Inserted                // a new record was added
	Updated                 // an existing record was changed
	Promoted                // a placeholder was replaced by its confirmed record
	Orphaned                // a sub-record was parked until its post arrives
	Removed                 // a record was removed
)

func (o Outcome) String() string {
	switch o {
	case Inserted:
		return "inserted"
	case Updated:
		return "updated"
	case Promoted:
		return "promoted"
	case Orphaned:
		return "orphaned"
	case Removed:
		return "removed"
	}
	return "ignored"
}

// Changed reports whether the outcome altered the visible feed.
func (o Outcome) Changed() bool { return o != Ignored && o != Orphaned }

// Item is one entry of a feed snapshot.
type Item struct {
	Post    domain.Post
	Pending bool // optimistic placeholder not yet confirmed by the backend
}

type entry struct {
	post        domain.Post
	seq         uint64
	arrived     time.Time
	placeholder bool
}

type recordKey struct {
	kind domain.RecordType
	id   string
}

// Store is the aggregate store. The zero value is not usable; call New.
type Store struct {
	now func() time.Time

	posts map[string]*entry
	seq   uint64

	likeOwner    map[string]string // like id -> post id (attached or orphaned)
	commentOwner map[string]string // comment id -> post id (attached or orphaned)

	orphanLikes    map[string][]domain.Like    // post id -> likes waiting for the post
	orphanComments map[string][]domain.Comment // post id -> comments waiting for the post

	placeholders map[string]string // client ref -> placeholder post id

	tombstones     map[recordKey]struct{}
	tombOrder      []recordKey
	tombstoneLimit int

	onRemove func(ref string)
}

// Options configures a Store.
type Options struct {
	// TombstoneLimit caps remembered deletions (default DefaultTombstoneLimit).
	TombstoneLimit int
	// OnRemove is called with the attachment reference of every post that
	// leaves the store, so dependent caches can drop their entries.
	OnRemove func(ref string)
	// Now is the clock used for arrival order (default time.Now).
	Now func() time.Time
}

// New returns an empty Store.
func New(opts Options) *Store {
	s := &Store{
		now:            opts.Now,
		tombstoneLimit: opts.TombstoneLimit,
		onRemove:       opts.OnRemove,
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.tombstoneLimit <= 0 {
		s.tombstoneLimit = DefaultTombstoneLimit
	}
	s.clear()
	s.tombstones = make(map[recordKey]struct{})
	return s
}

func (s *Store) clear() {
	s.posts = make(map[string]*entry)
	s.likeOwner = make(map[string]string)
	s.commentOwner = make(map[string]string)
	s.orphanLikes = make(map[string][]domain.Like)
	s.orphanComments = make(map[string][]domain.Comment)
	s.placeholders = make(map[string]string)
}

// ---- tombstones ----

func (s *Store) tombstone(kind domain.RecordType, id string) {
	k := recordKey{kind, id}
	if _, ok := s.tombstones[k]; ok {
		return
	}
	s.tombstones[k] = struct{}{}
	s.tombOrder = append(s.tombOrder, k)
	for len(s.tombOrder) > s.tombstoneLimit {
		delete(s.tombstones, s.tombOrder[0])
		s.tombOrder = s.tombOrder[1:]
	}
}

// Deleted reports whether a record of kind with id was removed.
func (s *Store) Deleted(kind domain.RecordType, id string) bool {
	_, ok := s.tombstones[recordKey{kind, id}]
	return ok
}

// ---- posts ----

// UpsertPost inserts p if its id is unknown, otherwise replaces the stored
// scalar fields. Likes and comments are replaced only when p carries them
// (non-nil slices); otherwise the stored collections are kept. A post whose
// id was removed is ignored. A post whose ClientRef matches a placeholder
// takes the placeholder's place.
func (s *Store) UpsertPost(p domain.Post) Outcome {
	if p.ID == "" || s.Deleted(domain.RecordPost, p.ID) {
		return Ignored
	}

	if e, ok := s.posts[p.ID]; ok {
		if s.onRemove != nil && e.post.HasAttachment() && (!p.HasAttachment() || *p.AttachmentRef != *e.post.AttachmentRef) {
			s.onRemove(*e.post.AttachmentRef)
		}
		s.mergeScalars(&e.post, p)
		if p.Likes != nil {
			s.replaceLikes(e, p.Likes)
		}
		if p.Comments != nil {
			s.replaceComments(e, p.Comments)
		}
		e.placeholder = false
		return Updated
	}

	out := Inserted
	e := &entry{arrived: s.now()}
	if p.ClientRef != nil {
		if phID, ok := s.placeholders[*p.ClientRef]; ok {
			if ph, ok := s.posts[phID]; ok {
				e.seq, e.arrived = ph.seq, ph.arrived
				delete(s.posts, phID)
				out = Promoted
			}
			delete(s.placeholders, *p.ClientRef)
		}
	}
	if e.seq == 0 {
		s.seq++
		e.seq = s.seq
	}

	e.post = p
	e.post.Likes, e.post.Comments = nil, nil
	s.posts[p.ID] = e
	s.replaceLikes(e, p.Likes)
	s.replaceComments(e, p.Comments)
	s.adoptOrphans(e)
	return out
}

func (s *Store) mergeScalars(dst *domain.Post, src domain.Post) {
	dst.Title = src.Title
	dst.Body = src.Body
	dst.AttachmentRef = src.AttachmentRef
	if src.UserID != "" {
		dst.UserID = src.UserID
	}
	if src.ClientRef != nil {
		dst.ClientRef = src.ClientRef
	}
	if !src.CreatedAt.IsZero() {
		dst.CreatedAt = src.CreatedAt
	}
	if !src.UpdatedAt.IsZero() {
		dst.UpdatedAt = src.UpdatedAt
	}
}

func (s *Store) replaceLikes(e *entry, likes []domain.Like) {
	for _, l := range e.post.Likes {
		delete(s.likeOwner, l.ID)
	}
	e.post.Likes = make([]domain.Like, 0, len(likes))
	for _, l := range likes {
		if l.ID == "" || s.Deleted(domain.RecordLike, l.ID) {
			continue
		}
		if _, dup := s.likeOwner[l.ID]; dup {
			continue
		}
		l.PostID = e.post.ID
		s.likeOwner[l.ID] = e.post.ID
		e.post.Likes = append(e.post.Likes, l)
	}
}

func (s *Store) replaceComments(e *entry, comments []domain.Comment) {
	for _, c := range e.post.Comments {
		delete(s.commentOwner, c.ID)
	}
	e.post.Comments = make([]domain.Comment, 0, len(comments))
	for _, c := range comments {
		if c.ID == "" || s.Deleted(domain.RecordComment, c.ID) {
			continue
		}
		if _, dup := s.commentOwner[c.ID]; dup {
			continue
		}
		c.PostID = e.post.ID
		s.commentOwner[c.ID] = e.post.ID
		e.post.Comments = append(e.post.Comments, c)
	}
}

func (s *Store) adoptOrphans(e *entry) {
	id := e.post.ID
	for _, l := range s.orphanLikes[id] {
		if _, attached := indexOfLike(e.post.Likes, l.ID); !attached {
			e.post.Likes = append(e.post.Likes, l)
		}
		s.likeOwner[l.ID] = id
	}
	for _, c := range s.orphanComments[id] {
		if _, attached := indexOfComment(e.post.Comments, c.ID); !attached {
			e.post.Comments = append(e.post.Comments, c)
		}
		s.commentOwner[c.ID] = id
	}
	delete(s.orphanLikes, id)
	delete(s.orphanComments, id)
	sortComments(e.post.Comments)
}

// RemovePost drops the post with id, its likes and comments, and any
// orphans waiting for it. The id is tombstoned even when absent, so a late
// created event cannot resurrect it. The removed post is returned when it
// was present.
func (s *Store) RemovePost(id string) (domain.Post, bool) {
	s.tombstone(domain.RecordPost, id)
	s.dropOrphans(id)

	e, ok := s.posts[id]
	if !ok {
		return domain.Post{}, false
	}
	delete(s.posts, id)
	for _, l := range e.post.Likes {
		delete(s.likeOwner, l.ID)
	}
	for _, c := range e.post.Comments {
		delete(s.commentOwner, c.ID)
	}
	if e.post.ClientRef != nil && s.placeholders[*e.post.ClientRef] == id {
		delete(s.placeholders, *e.post.ClientRef)
	}
	if s.onRemove != nil && e.post.HasAttachment() {
		s.onRemove(*e.post.AttachmentRef)
	}
	return clonePost(e.post), true
}

func (s *Store) dropOrphans(postID string) {
	for _, l := range s.orphanLikes[postID] {
		delete(s.likeOwner, l.ID)
	}
	for _, c := range s.orphanComments[postID] {
		delete(s.commentOwner, c.ID)
	}
	delete(s.orphanLikes, postID)
	delete(s.orphanComments, postID)
}

// InsertPlaceholder adds an optimistic, unconfirmed post keyed by its
// ClientRef. The placeholder is promoted by the first UpsertPost carrying
// the same ClientRef. If p has no ID, one is derived from the ClientRef.
func (s *Store) InsertPlaceholder(p domain.Post) Outcome {
	if p.ClientRef == nil || *p.ClientRef == "" {
		return Ignored
	}
	if _, ok := s.placeholders[*p.ClientRef]; ok {
		return Ignored
	}
	for _, e := range s.posts {
		if e.post.ClientRef != nil && *e.post.ClientRef == *p.ClientRef {
			return Ignored // already confirmed
		}
	}
	if p.ID == "" {
		p.ID = PlaceholderID(*p.ClientRef)
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = s.now()
	}
	if out := s.UpsertPost(p); out != Inserted {
		return out
	}
	s.posts[p.ID].placeholder = true
	s.placeholders[*p.ClientRef] = p.ID
	return Inserted
}

// DropPlaceholder removes the unconfirmed placeholder for clientRef, if any.
func (s *Store) DropPlaceholder(clientRef string) bool {
	id, ok := s.placeholders[clientRef]
	if !ok {
		return false
	}
	delete(s.placeholders, clientRef)
	if e, ok := s.posts[id]; ok && e.placeholder {
		delete(s.posts, id)
		return true
	}
	return false
}

// PlaceholderID returns the local id used for a placeholder.
func PlaceholderID(clientRef string) string { return "local:" + clientRef }

// ---- likes ----

// AddLike attaches l to its post. Duplicate ids are ignored; likes for an
// unknown post are kept as orphans; likes for a removed post are dropped.
func (s *Store) AddLike(l domain.Like) Outcome {
	if l.ID == "" || s.Deleted(domain.RecordLike, l.ID) || s.Deleted(domain.RecordPost, l.PostID) {
		return Ignored
	}
	if _, ok := s.likeOwner[l.ID]; ok {
		return Ignored
	}
	s.likeOwner[l.ID] = l.PostID
	if e, ok := s.posts[l.PostID]; ok {
		e.post.Likes = append(e.post.Likes, l)
		return Inserted
	}
	s.orphanLikes[l.PostID] = append(s.orphanLikes[l.PostID], l)
	return Orphaned
}

// RemoveLike removes the like with id wherever it is held and tombstones it.
func (s *Store) RemoveLike(id string) Outcome {
	s.tombstone(domain.RecordLike, id)
	postID, ok := s.likeOwner[id]
	if !ok {
		return Ignored
	}
	delete(s.likeOwner, id)
	if e, ok := s.posts[postID]; ok {
		if i, found := indexOfLike(e.post.Likes, id); found {
			e.post.Likes = append(e.post.Likes[:i:i], e.post.Likes[i+1:]...)
			return Removed
		}
	}
	if i, found := indexOfLike(s.orphanLikes[postID], id); found {
		o := s.orphanLikes[postID]
		s.orphanLikes[postID] = append(o[:i:i], o[i+1:]...)
		if len(s.orphanLikes[postID]) == 0 {
			delete(s.orphanLikes, postID)
		}
	}
	return Ignored
}

// ---- comments ----

// AddComment attaches c to its post, following the same rules as AddLike.
func (s *Store) AddComment(c domain.Comment) Outcome {
	if c.ID == "" || s.Deleted(domain.RecordComment, c.ID) || s.Deleted(domain.RecordPost, c.PostID) {
		return Ignored
	}
	if _, ok := s.commentOwner[c.ID]; ok {
		return Ignored
	}
	s.commentOwner[c.ID] = c.PostID
	if e, ok := s.posts[c.PostID]; ok {
		e.post.Comments = append(e.post.Comments, c)
		sortComments(e.post.Comments)
		return Inserted
	}
	s.orphanComments[c.PostID] = append(s.orphanComments[c.PostID], c)
	return Orphaned
}

// RemoveComment removes the comment with id wherever it is held and
// tombstones it.
func (s *Store) RemoveComment(id string) Outcome {
	s.tombstone(domain.RecordComment, id)
	postID, ok := s.commentOwner[id]
	if !ok {
		return Ignored
	}
	delete(s.commentOwner, id)
	if e, ok := s.posts[postID]; ok {
		if i, found := indexOfComment(e.post.Comments, id); found {
			e.post.Comments = append(e.post.Comments[:i:i], e.post.Comments[i+1:]...)
			return Removed
		}
	}
	if i, found := indexOfComment(s.orphanComments[postID], id); found {
		o := s.orphanComments[postID]
		s.orphanComments[postID] = append(o[:i:i], o[i+1:]...)
		if len(s.orphanComments[postID]) == 0 {
			delete(s.orphanComments, postID)
		}
	}
	return Ignored
}

// ---- reads ----

// Get returns a copy of the post with id.
func (s *Store) Get(id string) (domain.Post, bool) {
	e, ok := s.posts[id]
	if !ok {
		return domain.Post{}, false
	}
	return clonePost(e.post), true
}

// Comment returns a copy of a stored comment.
func (s *Store) Comment(id string) (domain.Comment, bool) {
	postID, ok := s.commentOwner[id]
	if !ok {
		return domain.Comment{}, false
	}
	if e, ok := s.posts[postID]; ok {
		if i, found := indexOfComment(e.post.Comments, id); found {
			return e.post.Comments[i], true
		}
	}
	return domain.Comment{}, false
}

// Len returns the number of posts in the store.
func (s *Store) Len() int { return len(s.posts) }

// Orphans returns the number of parked likes and comments.
func (s *Store) Orphans() int {
	n := 0
	for _, l := range s.orphanLikes {
		n += len(l)
	}
	for _, c := range s.orphanComments {
		n += len(c)
	}
	return n
}

// AttachmentRefs returns the attachment references of all stored posts.
func (s *Store) AttachmentRefs() []string {
	var out []string
	for _, e := range s.posts {
		if e.post.HasAttachment() {
			out = append(out, *e.post.AttachmentRef)
		}
	}
	return out
}

// Snapshot returns a deep copy of the feed, newest first. Posts order by
// creation key; a post without one is placed by its arrival time. Ties go
// to the later insertion.
func (s *Store) Snapshot() []Item {
	entries := make([]*entry, 0, len(s.posts))
	for _, e := range s.posts {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool {
		ki, kj := orderKey(entries[i]), orderKey(entries[j])
		if !ki.Equal(kj) {
			return ki.After(kj)
		}
		return entries[i].seq > entries[j].seq
	})
	out := make([]Item, len(entries))
	for i, e := range entries {
		out[i] = Item{Post: clonePost(e.post), Pending: e.placeholder}
	}
	return out
}

func orderKey(e *entry) time.Time {
	if !e.post.CreatedAt.IsZero() {
		return e.post.CreatedAt
	}
	return e.arrived
}

// Reset replaces the confirmed feed with posts, as after a full refetch.
// Tombstones are kept so removed records stay removed. Orphans are carried
// over and attach to their post if the refetch brought it. Placeholders
// stay pending unless a refetched post confirms them. Posts that are no
// longer present are reported through OnRemove.
func (s *Store) Reset(posts []domain.Post) {
	prev := s.posts
	orphanLikes, orphanComments := s.orphanLikes, s.orphanComments
	var pending []*entry
	for _, id := range s.placeholders {
		if e, ok := prev[id]; ok && e.placeholder {
			pending = append(pending, e)
		}
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].seq < pending[j].seq })

	s.clear()
	// posts arrive newest first; insert oldest first so ties keep that order.
	for i := len(posts) - 1; i >= 0; i-- {
		p := posts[i]
		if p.Likes == nil {
			p.Likes = []domain.Like{}
		}
		if p.Comments == nil {
			p.Comments = []domain.Comment{}
		}
		s.UpsertPost(p)
	}
	for _, ph := range pending {
		if s.InsertPlaceholder(ph.post) == Inserted {
			s.posts[ph.post.ID].arrived = ph.arrived
		}
	}
	for _, ls := range orphanLikes {
		for _, l := range ls {
			s.AddLike(l)
		}
	}
	for _, cs := range orphanComments {
		for _, c := range cs {
			s.AddComment(c)
		}
	}

	if s.onRemove == nil {
		return
	}
	for id, e := range prev {
		if _, still := s.posts[id]; still || !e.post.HasAttachment() {
			continue
		}
		s.onRemove(*e.post.AttachmentRef)
	}
}

// ---- helpers ----

func indexOfLike(likes []domain.Like, id string) (int, bool) {
	for i := range likes {
		if likes[i].ID == id {
			return i, true
		}
	}
	return -1, false
}

func indexOfComment(comments []domain.Comment, id string) (int, bool) {
	for i := range comments {
		if comments[i].ID == id {
			return i, true
		}
	}
	return -1, false
}

func sortComments(cs []domain.Comment) {
	sort.SliceStable(cs, func(i, j int) bool { return cs[i].CreatedAt.Before(cs[j].CreatedAt) })
}

func clonePost(p domain.Post) domain.Post {
	out := p
	if p.AttachmentRef != nil {
		ref := *p.AttachmentRef
		out.AttachmentRef = &ref
	}
	if p.ClientRef != nil {
		ref := *p.ClientRef
		out.ClientRef = &ref
	}
	out.Likes = append([]domain.Like{}, p.Likes...)
	out.Comments = append([]domain.Comment{}, p.Comments...)
	return out
}
