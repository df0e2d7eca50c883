package partition

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/benmeehan/display-ota/internal/errs"
	"github.com/benmeehan/display-ota/pkg/file"
)

const controlFileName = "bootctl.json"

// FileTable keeps slots as image files (or block devices) and the boot pointer
// in a JSON control file committed atomically.
type FileTable struct {
	dir        string
	slots      []Slot
	running    string
	fileClient file.FileOperations
	logger     zerolog.Logger
	now        func() time.Time

	mu  sync.Mutex
	ctl BootControl
}

// NewFileTable loads (or initialises) the control file in dir. running names
// the slot the process booted from; when empty the current boot pointer is used.
func NewFileTable(dir string, slots []Slot, running string, fileClient file.FileOperations, logger zerolog.Logger) (*FileTable, error) {
	if len(slots) < 2 {
		return nil, fmt.Errorf("need at least two slots, got %d", len(slots))
	}

	t := &FileTable{
		dir:        dir,
		slots:      slots,
		fileClient: fileClient,
		logger:     logger,
		now:        time.Now,
	}

	ctlPath := t.controlPath()
	exists, err := fileClient.IsFileExists(ctlPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat %s: %w", ctlPath, err)
	}
	if exists {
		if err := fileClient.ReadJsonFile(ctlPath, &t.ctl); err != nil {
			return nil, fmt.Errorf("failed to read boot control %s: %w", ctlPath, err)
		}
	} else {
		t.ctl = BootControl{Boot: slots[0].Label}
	}
	if t.ctl.Slots == nil {
		t.ctl.Slots = map[string]*SlotMeta{}
	}
	for _, s := range slots {
		if _, ok := t.ctl.Slots[s.Label]; !ok {
			t.ctl.Slots[s.Label] = &SlotMeta{Label: s.Label, State: SlotEmpty}
		}
	}
	if !exists {
		t.ctl.Slots[slots[0].Label].State = SlotValid
		if err := t.commit(); err != nil {
			return nil, err
		}
	}

	t.running = running
	if t.running == "" {
		t.running = t.ctl.Boot
	}
	if _, err := t.Slot(t.running); err != nil {
		return nil, fmt.Errorf("running slot: %w", err)
	}

	logger.Info().Str("running", t.running).Str("boot", t.ctl.Boot).Bool("pending", t.ctl.Pending).Msg("Partition table loaded")
	return t, nil
}

func (t *FileTable) controlPath() string {
	return filepath.Join(t.dir, controlFileName)
}

// commit must be called with mu held.
func (t *FileTable) commit() error {
	if err := t.fileClient.WriteJsonFile(t.controlPath(), t.ctl); err != nil {
		return fmt.Errorf("failed to commit boot control: %w", err)
	}
	return nil
}

func (t *FileTable) Running() Slot {
	s, _ := t.Slot(t.running)
	return s
}

func (t *FileTable) NextUpdate() (Slot, error) {
	for _, s := range t.slots {
		if s.Label != t.running {
			return s, nil
		}
	}
	return Slot{}, ErrUnknownSlot
}

func (t *FileTable) Slot(label string) (Slot, error) {
	for _, s := range t.slots {
		if s.Label == label {
			return s, nil
		}
	}
	return Slot{}, fmt.Errorf("%w: %q", ErrUnknownSlot, label)
}

func (t *FileTable) Meta(label string) (SlotMeta, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	m, ok := t.ctl.Slots[label]
	if !ok {
		return SlotMeta{}, fmt.Errorf("%w: %q", ErrUnknownSlot, label)
	}
	return *m, nil
}

func (t *FileTable) Control() (BootControl, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := t.ctl
	out.Slots = make(map[string]*SlotMeta, len(t.ctl.Slots))
	for k, v := range t.ctl.Slots {
		m := *v
		out.Slots[k] = &m
	}
	return out, nil
}

func (t *FileTable) OpenWriter(label string, size int64) (SlotWriter, error) {
	slot, err := t.Slot(label)
	if err != nil {
		return nil, err
	}
	if label == t.running {
		return nil, fmt.Errorf("refusing to overwrite running slot %q", label)
	}
	if slot.Size > 0 && size > slot.Size {
		return nil, errs.InsufficientSpace("image of %d bytes does not fit slot %q (%d bytes)", size, label, slot.Size)
	}

	t.mu.Lock()
	meta := t.ctl.Slots[label]
	meta.State = SlotWriting
	meta.Version = ""
	meta.Size = 0
	meta.SHA256 = ""
	meta.UpdatedAt = t.now()
	if t.ctl.Boot == label {
		// Never leave the boot pointer on a slot being erased.
		t.ctl.Boot = t.running
		t.ctl.Pending = false
	}
	err = t.commit()
	t.mu.Unlock()
	if err != nil {
		return nil, err
	}

	f, err := os.OpenFile(slot.Path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open slot %q: %w", label, err)
	}

	t.logger.Info().Str("slot", label).Str("path", slot.Path).Int64("size", size).Msg("Slot opened for writing")
	return &fileSlotWriter{table: t, slot: slot, f: f, hash: sha256.New()}, nil
}

func (t *FileTable) SetBootPending(label string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	meta, ok := t.ctl.Slots[label]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownSlot, label)
	}
	if meta.State != SlotNew && meta.State != SlotValid {
		return fmt.Errorf("slot %q is %s and cannot be booted", label, meta.State)
	}

	meta.State = SlotPendingVerify
	meta.UpdatedAt = t.now()
	t.ctl.Previous = t.running
	t.ctl.Boot = label
	t.ctl.Pending = true
	if err := t.commit(); err != nil {
		return err
	}
	t.logger.Info().Str("boot", label).Str("previous", t.running).Msg("Boot pointer set, pending verification")
	return nil
}

func (t *FileTable) MarkValid(label string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	meta, ok := t.ctl.Slots[label]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownSlot, label)
	}
	meta.State = SlotValid
	meta.UpdatedAt = t.now()
	if t.ctl.Boot == label {
		t.ctl.Pending = false
		t.ctl.Previous = ""
	}
	return t.commit()
}

func (t *FileTable) MarkInvalid(label string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	meta, ok := t.ctl.Slots[label]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownSlot, label)
	}
	meta.State = SlotInvalid
	meta.UpdatedAt = t.now()
	if t.ctl.Boot == label && label != t.running {
		t.ctl.Boot = t.running
		t.ctl.Pending = false
	}
	if err := t.commit(); err != nil {
		return err
	}
	t.logger.Warn().Str("slot", label).Msg("Slot invalidated")
	return nil
}

func (t *FileTable) Rollback() (Slot, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	failed := t.ctl.Boot
	target := t.ctl.Previous
	if target == "" || target == failed {
		for _, s := range t.slots {
			if s.Label != failed && t.ctl.Slots[s.Label].State == SlotValid {
				target = s.Label
				break
			}
		}
	}
	if target == "" || target == failed {
		return Slot{}, ErrNoFallback
	}

	t.ctl.Slots[failed].State = SlotInvalid
	t.ctl.Slots[failed].UpdatedAt = t.now()
	t.ctl.Boot = target
	t.ctl.Previous = ""
	t.ctl.Pending = false
	if err := t.commit(); err != nil {
		return Slot{}, err
	}

	t.logger.Warn().Str("failed", failed).Str("boot", target).Msg("Boot pointer rolled back")
	return t.Slot(target)
}

// fileSlotWriter hashes the image while writing it.
type fileSlotWriter struct {
	table   *FileTable
	slot    Slot
	f       *os.File
	hash    hash.Hash
	written int64
	closed  bool
}

func (w *fileSlotWriter) Write(p []byte) (int, error) {
	if w.slot.Size > 0 && w.written+int64(len(p)) > w.slot.Size {
		return 0, errs.InsufficientSpace("write past end of slot %q (%d bytes)", w.slot.Label, w.slot.Size)
	}
	n, err := w.f.Write(p)
	w.hash.Write(p[:n])
	w.written += int64(n)
	return n, err
}

func (w *fileSlotWriter) Written() int64 {
	return w.written
}

func (w *fileSlotWriter) Finalize(version string) (SlotMeta, error) {
	if w.closed {
		return SlotMeta{}, fmt.Errorf("slot %q writer already closed", w.slot.Label)
	}
	w.closed = true
	if err := w.f.Sync(); err != nil {
		w.f.Close()
		return SlotMeta{}, fmt.Errorf("failed to sync slot %q: %w", w.slot.Label, err)
	}
	if err := w.f.Close(); err != nil {
		return SlotMeta{}, fmt.Errorf("failed to close slot %q: %w", w.slot.Label, err)
	}

	t := w.table
	t.mu.Lock()
	defer t.mu.Unlock()
	meta := t.ctl.Slots[w.slot.Label]
	meta.State = SlotNew
	meta.Version = version
	meta.Size = w.written
	meta.SHA256 = hex.EncodeToString(w.hash.Sum(nil))
	meta.UpdatedAt = t.now()
	if err := t.commit(); err != nil {
		return SlotMeta{}, err
	}

	t.logger.Info().Str("slot", w.slot.Label).Str("version", version).Int64("bytes", w.written).Msg("Slot finalized")
	return *meta, nil
}

func (w *fileSlotWriter) Abort() error {
	if !w.closed {
		w.closed = true
		w.f.Close()
	}
	return w.table.MarkInvalid(w.slot.Label)
}
