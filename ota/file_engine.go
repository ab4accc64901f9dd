package ota

import (
	"hash"
	"hash/crc32"
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"

	"github.com/user/ble-battery-server/logger"
)

// PendingImage is the file name a verified image is published under for
// the bootloader.
const PendingImage = "pending.bin"

// DefaultMaxImageSize bounds an announced image.
const DefaultMaxImageSize = 4 << 20

var (
	ErrNotStarted     = errors.New("ota: engine not started")
	ErrNotPrepared    = errors.New("ota: transfer not prepared")
	ErrNotDownloading = errors.New("ota: no download in progress")
	ErrImageSize      = errors.New("ota: image size out of range")
	ErrOverflow       = errors.New("ota: chunk past announced image size")
	ErrIncomplete     = errors.New("ota: image incomplete")
	ErrChecksum       = errors.New("ota: image checksum mismatch")
)

// FileEngine stages the image in a directory and publishes it as
// PendingImage once its CRC-32 verifies.
type FileEngine struct {
	dir     string
	maxSize uint32

	mu       sync.Mutex
	started  bool
	prepared bool
	params   AgentParams
	transfer TransferParams
	state    EngineState
	file     *os.File
	total    uint32
	written  uint32
	crc      hash.Hash32
}

// NewFileEngine creates an engine staging into dir. maxSize 0 selects
// DefaultMaxImageSize.
func NewFileEngine(dir string, maxSize uint32) *FileEngine {
	if maxSize == 0 {
		maxSize = DefaultMaxImageSize
	}
	return &FileEngine{dir: dir, maxSize: maxSize}
}

func (e *FileEngine) stagingPath() string {
	return filepath.Join(e.dir, e.transfer.SessionID.String()+".part")
}

// discard drops a partially written image. Caller holds mu.
func (e *FileEngine) discard() {
	if e.file != nil {
		e.file.Close()
		os.Remove(e.file.Name())
		e.file = nil
	}
	e.total, e.written = 0, 0
	e.crc = nil
}

// Start (re)initializes the engine. Any staged data is dropped.
func (e *FileEngine) Start(params AgentParams) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := os.MkdirAll(e.dir, 0755); err != nil {
		return errors.Wrap(err, "ota: create staging dir")
	}
	e.discard()
	e.started = true
	e.prepared = false
	e.params = params
	e.state = EngineNotStarted
	return nil
}

func (e *FileEngine) PrepareTransfer(params TransferParams) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.started {
		return ErrNotStarted
	}
	e.transfer = params
	e.prepared = true
	logger.Debug("OTA", "transfer %s prepared for conn %d", params.SessionID, params.ConnID)
	return nil
}

func (e *FileEngine) BeginDownload(total uint32) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.prepared {
		return ErrNotPrepared
	}
	if total == 0 || total > e.maxSize {
		return errors.Wrapf(ErrImageSize, "announced %d bytes, limit %d", total, e.maxSize)
	}

	e.discard()
	f, err := os.OpenFile(e.stagingPath(), os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		e.state = EngineError
		return errors.Wrap(err, "ota: open staging file")
	}
	e.file = f
	e.total = total
	e.crc = crc32.NewIEEE()
	e.state = EngineDownloading
	return nil
}

func (e *FileEngine) WriteChunk(data []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state != EngineDownloading {
		return ErrNotDownloading
	}
	if uint64(e.written)+uint64(len(data)) > uint64(e.total) {
		return errors.Wrapf(ErrOverflow, "%d + %d > %d", e.written, len(data), e.total)
	}
	if _, err := e.file.Write(data); err != nil {
		return errors.Wrap(err, "ota: write staging file")
	}
	e.crc.Write(data)
	e.written += uint32(len(data))
	return nil
}

// Verify checks the received image. On success the image is renamed to
// PendingImage and the engine reports complete.
func (e *FileEngine) Verify(crc uint32) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state != EngineDownloading {
		return ErrNotDownloading
	}
	if e.written != e.total {
		e.state = EngineError
		e.discard()
		return errors.Wrapf(ErrIncomplete, "received %d of %d bytes", e.written, e.total)
	}
	if got := e.crc.Sum32(); got != crc {
		e.state = EngineError
		e.discard()
		return errors.Wrapf(ErrChecksum, "computed 0x%08X, peer sent 0x%08X", got, crc)
	}

	staged := e.file.Name()
	if err := e.file.Close(); err != nil {
		e.state = EngineError
		e.discard()
		return errors.Wrap(err, "ota: close staging file")
	}
	e.file = nil
	if err := os.Rename(staged, filepath.Join(e.dir, PendingImage)); err != nil {
		e.state = EngineError
		os.Remove(staged)
		return errors.Wrap(err, "ota: publish image")
	}

	logger.Info("OTA", "✅ image of %d bytes verified (crc 0x%08X)", e.total, crc)
	e.state = EngineComplete
	return nil
}

// Abort drops any partial image. The engine stays started.
func (e *FileEngine) Abort() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.discard()
	e.prepared = false
	e.state = EngineNotStarted
	return nil
}

func (e *FileEngine) State() EngineState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Stop releases the engine. A published image is left for the bootloader.
func (e *FileEngine) Stop() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.discard()
	e.started = false
	e.prepared = false
	e.state = EngineNotStarted
	return nil
}
