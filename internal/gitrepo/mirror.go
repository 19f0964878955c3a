// Package gitrepo mirrors page ledgers into one git repository per page, a
// commit per version, so history can be inspected with ordinary git tools.
package gitrepo

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	log "github.com/sirupsen/logrus"

	"tandem/api/internal/apperr"
	"tandem/api/internal/keylock"
	"tandem/api/internal/ledger"
)

const contentFile = "content.json"

type Content struct {
	PageID   string    `json:"pageId"`
	Version  int       `json:"version"`
	Title    string    `json:"title"`
	Content  string    `json:"content"`
	Author   string    `json:"author"`
	SavedAt  time.Time `json:"savedAt"`
	Restored int       `json:"restoredFrom,omitempty"`
}

type CommitInfo struct {
	Hash      string    `json:"hash"`
	Message   string    `json:"message"`
	Author    string    `json:"author"`
	CreatedAt time.Time `json:"createdAt"`
}

type Mirror struct {
	baseDir string
	locks   *keylock.Locker
}

func New(baseDir string) *Mirror {
	return &Mirror{baseDir: baseDir, locks: keylock.New()}
}

// VersionSaved commits the new version to the page's repository.
func (m *Mirror) VersionSaved(ctx context.Context, res ledger.SaveResult) error {
	_, err := m.Commit(ctx, Content{
		PageID:   res.Page.ID,
		Version:  res.Version.Version,
		Title:    res.Version.Title,
		Content:  res.Version.Content,
		Author:   res.Version.CreatedBy,
		SavedAt:  res.Version.CreatedAt,
		Restored: res.RestoredFrom,
	})
	return err
}

// Commit writes content.json for the version and commits it on main with
// the message "Version N".
func (m *Mirror) Commit(ctx context.Context, c Content) (CommitInfo, error) {
	if c.PageID == "" || c.Version <= 0 {
		return CommitInfo{}, apperr.InvalidArgument("INVALID_VERSION", "page id and version are required")
	}
	release, err := m.locks.Acquire(ctx, c.PageID)
	if err != nil {
		return CommitInfo{}, err
	}
	defer release()

	repo, err := m.ensureRepo(c.PageID)
	if err != nil {
		return CommitInfo{}, err
	}
	worktree, err := repo.Worktree()
	if err != nil {
		return CommitInfo{}, fmt.Errorf("open worktree: %w", err)
	}

	payload, err := sonic.ConfigStd.MarshalIndent(c, "", "  ")
	if err != nil {
		return CommitInfo{}, fmt.Errorf("marshal content: %w", err)
	}
	if err := os.WriteFile(filepath.Join(worktree.Filesystem.Root(), contentFile), append(payload, '\n'), 0o644); err != nil {
		return CommitInfo{}, fmt.Errorf("write %s: %w", contentFile, err)
	}
	if _, err := worktree.Add(contentFile); err != nil {
		return CommitInfo{}, fmt.Errorf("git add content: %w", err)
	}

	when := c.SavedAt
	if when.IsZero() {
		when = time.Now()
	}
	author := c.Author
	if author == "" {
		author = "tandem"
	}
	hash, err := worktree.Commit(fmt.Sprintf("Version %d", c.Version), &git.CommitOptions{
		AllowEmptyCommits: true,
		Author: &object.Signature{
			Name:  author,
			Email: fmt.Sprintf("%s@users.tandem.local", sanitizeEmail(author)),
			When:  when,
		},
	})
	if err != nil {
		return CommitInfo{}, fmt.Errorf("commit content: %w", err)
	}
	commitObj, err := repo.CommitObject(hash)
	if err != nil {
		return CommitInfo{}, fmt.Errorf("read commit object: %w", err)
	}
	log.WithFields(log.Fields{"pageId": c.PageID, "version": c.Version, "commit": hash.String()[:7]}).Debug("gitrepo.committed")
	return toCommitInfo(commitObj), nil
}

// History lists commits newest first. limit <= 0 means all.
func (m *Mirror) History(ctx context.Context, pageID string, limit int) ([]CommitInfo, error) {
	release, err := m.locks.Acquire(ctx, pageID)
	if err != nil {
		return nil, err
	}
	defer release()

	repo, err := m.open(pageID)
	if err != nil {
		return nil, err
	}
	head, err := repo.Head()
	if err != nil {
		return nil, fmt.Errorf("resolve head: %w", err)
	}
	iter, err := repo.Log(&git.LogOptions{From: head.Hash()})
	if err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}
	defer iter.Close()

	items := make([]CommitInfo, 0)
	err = iter.ForEach(func(commitObj *object.Commit) error {
		items = append(items, toCommitInfo(commitObj))
		if limit > 0 && len(items) >= limit {
			return io.EOF
		}
		return nil
	})
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("iterate log: %w", err)
	}
	return items, nil
}

// ContentAt reads content.json as of a commit; hash may be abbreviated.
func (m *Mirror) ContentAt(ctx context.Context, pageID, hash string) (Content, error) {
	release, err := m.locks.Acquire(ctx, pageID)
	if err != nil {
		return Content{}, err
	}
	defer release()

	repo, err := m.open(pageID)
	if err != nil {
		return Content{}, err
	}
	resolved, err := resolveHash(repo, hash)
	if err != nil {
		return Content{}, err
	}
	commitObj, err := repo.CommitObject(resolved)
	if err != nil {
		return Content{}, apperr.NotFound("commit", hash)
	}
	return readContent(commitObj)
}

// Remove deletes the page's repository.
func (m *Mirror) Remove(ctx context.Context, pageID string) error {
	release, err := m.locks.Acquire(ctx, pageID)
	if err != nil {
		return err
	}
	defer release()
	if err := os.RemoveAll(m.repoPath(pageID)); err != nil {
		return fmt.Errorf("remove repo: %w", err)
	}
	return nil
}

func (m *Mirror) repoPath(pageID string) string {
	return filepath.Join(m.baseDir, filepath.Base(pageID))
}

func (m *Mirror) open(pageID string) (*git.Repository, error) {
	repo, err := git.PlainOpen(m.repoPath(pageID))
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return nil, apperr.NotFound("page history", pageID)
	}
	if err != nil {
		return nil, fmt.Errorf("open repo: %w", err)
	}
	return repo, nil
}

func (m *Mirror) ensureRepo(pageID string) (*git.Repository, error) {
	path := m.repoPath(pageID)
	repo, err := git.PlainOpen(path)
	if err == nil {
		return repo, nil
	}
	if !errors.Is(err, git.ErrRepositoryNotExists) {
		return nil, fmt.Errorf("open repo: %w", err)
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("create repo dir: %w", err)
	}
	repo, err = git.PlainInitWithOptions(path, &git.PlainInitOptions{
		InitOptions: git.InitOptions{DefaultBranch: plumbing.Main},
	})
	if err != nil {
		return nil, fmt.Errorf("init repo: %w", err)
	}
	return repo, nil
}

func readContent(commitObj *object.Commit) (Content, error) {
	file, err := commitObj.File(contentFile)
	if err != nil {
		return Content{}, fmt.Errorf("load %s from commit: %w", contentFile, err)
	}
	raw, err := file.Contents()
	if err != nil {
		return Content{}, fmt.Errorf("read content: %w", err)
	}
	var content Content
	if err := sonic.UnmarshalString(raw, &content); err != nil {
		return Content{}, fmt.Errorf("decode commit content: %w", err)
	}
	return content, nil
}

func toCommitInfo(commitObj *object.Commit) CommitInfo {
	return CommitInfo{
		Hash:      commitObj.Hash.String()[:7],
		Message:   strings.TrimSpace(commitObj.Message),
		Author:    commitObj.Author.Name,
		CreatedAt: commitObj.Author.When,
	}
}

func sanitizeEmail(input string) string {
	out := make([]rune, 0, len(input))
	for _, r := range input {
		switch {
		case (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9'):
			out = append(out, r)
		case r == ' ' || r == '-' || r == '_':
			out = append(out, '.')
		}
	}
	if len(out) == 0 {
		return "user"
	}
	return string(out)
}

func resolveHash(repo *git.Repository, hash string) (plumbing.Hash, error) {
	if len(hash) == 40 {
		return plumbing.NewHash(hash), nil
	}
	resolved, err := repo.ResolveRevision(plumbing.Revision(hash))
	if err != nil {
		return plumbing.ZeroHash, apperr.NotFound("commit", hash)
	}
	return *resolved, nil
}
