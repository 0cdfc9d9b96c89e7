// Package txcache caches built update transactions on disk, keyed on the
// batch's first stream offset and its size. A hit lets the pipeline skip
// re-assembling a batch it has already built; it is never trusted for
// correctness, as the offset check still precedes every cached apply.
package txcache

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
)

// Entry is one cached transaction artifact.
type Entry struct {
	// Update is the previously built transaction text.
	Update string
	// MinDate and MaxDate are the covered date range. They are advisory
	// (logged only) and may be zero when the meta file is missing.
	MinDate, MaxDate time.Time
}

// Cache of transaction artifacts under a directory.
type Cache struct {
	fs  afero.Fs
	dir string
}

// New returns a Cache rooted at |dir| on the OS filesystem.
func New(dir string) *Cache { return NewWithFs(afero.NewOsFs(), dir) }

// NewWithFs returns a Cache rooted at |dir| of |fs|.
func NewWithFs(fs afero.Fs, dir string) *Cache { return &Cache{fs: fs, dir: dir} }

// Get probes for an artifact of a batch starting at |offset| with |size|
// events. Unreadable artifacts are treated as misses.
func (c *Cache) Get(offset int64, size int) (Entry, bool) {
	var data, err = afero.ReadFile(c.fs, c.path(offset, size, "sparql"))
	if err != nil {
		return Entry{}, false
	}
	var entry = Entry{Update: string(data)}

	if meta, err := afero.ReadFile(c.fs, c.path(offset, size, "meta")); err == nil {
		entry.MinDate, entry.MaxDate = parseDateRange(string(meta))
	}
	return entry, true
}

// Put stores the artifact of a batch starting at |offset| with |size|
// events. Files are written to a temporary name and renamed into place, so
// a crash never leaves a partially written artifact behind.
func (c *Cache) Put(offset int64, size int, entry Entry) error {
	if err := c.fs.MkdirAll(c.dir, 0755); err != nil {
		return errors.WithMessage(err, "creating cache directory")
	}
	if err := c.commit(c.path(offset, size, "sparql"), entry.Update); err != nil {
		return err
	}
	var meta = fmt.Sprintf("%s - %s",
		entry.MinDate.UTC().Format(dateFormat), entry.MaxDate.UTC().Format(dateFormat))
	return c.commit(c.path(offset, size, "meta"), meta)
}

func (c *Cache) commit(path, content string) error {
	var next = path + ".next"

	// O_TRUNC rather than O_EXCL: a crash may have left a previous ".next"
	// behind, which represents an abandoned write and is over-written.
	var f, err = c.fs.OpenFile(next, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return errors.WithMessage(err, "creating artifact file")
	}
	if _, err = f.WriteString(content); err != nil {
		err = errors.WithMessage(err, "writing artifact")
	} else if err = f.Close(); err != nil {
		err = errors.WithMessage(err, "closing artifact")
	} else if err = c.fs.Rename(next, path); err != nil {
		err = errors.WithMessage(err, "renaming next => current")
	}
	return err
}

func (c *Cache) path(offset int64, size int, ext string) string {
	return fmt.Sprintf("%s/update.%d.%d.%s", c.dir, offset, size, ext)
}

const dateFormat = "2006-01-02T15:04:05Z"

func parseDateRange(s string) (min, max time.Time) {
	var parts = strings.SplitN(strings.TrimSpace(s), " - ", 2)
	if len(parts) != 2 {
		return
	}
	min, _ = time.Parse(dateFormat, parts[0])
	max, _ = time.Parse(dateFormat, parts[1])
	return
}
