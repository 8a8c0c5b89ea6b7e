package device

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"shelfsync/internal/domain"
)

const (
	stagedImageName  = "firmware.staged"
	stagedMarkerName = "firmware.next"
)

// FirmwareUpdater downloads firmware images into a staging area and
// verifies them before marking them for activation. The running image
// is never touched; activation happens on the next boot.
type FirmwareUpdater struct {
	dataDir string
	client  *http.Client
	logger  *slog.Logger
}

// NewFirmwareUpdater builds an updater staging into dataDir.
func NewFirmwareUpdater(dataDir string, logger *slog.Logger) *FirmwareUpdater {
	return &FirmwareUpdater{
		dataDir: dataDir,
		client:  &http.Client{Timeout: 2 * time.Minute},
		logger:  logger.With("component", "firmware"),
	}
}

// Stage fetches the image the snapshot advertises, verifies its length
// and SHA-256 digest, and writes the activation marker. A corrupt or
// truncated download is discarded with ErrIntegrity and the running
// image stays in place.
func (u *FirmwareUpdater) Stage(ctx context.Context, snap domain.ConfigSnapshot) error {
	const op = "firmware.Stage"
	if snap.FirmwareURL == "" {
		return domain.NewDomainError(op, domain.ErrInvalidInput, "snapshot has no firmware url")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, snap.FirmwareURL, nil)
	if err != nil {
		return domain.NewDomainError(op, domain.ErrInvalidInput, err.Error())
	}
	resp, err := u.client.Do(req)
	if err != nil {
		return domain.NewDomainError(op, domain.ErrUpstream, err.Error())
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return domain.NewDomainError(op, domain.ErrUpstream,
			fmt.Sprintf("firmware fetch returned %d", resp.StatusCode))
	}

	tmpPath := filepath.Join(u.dataDir, stagedImageName+".tmp")
	tmp, err := os.Create(tmpPath)
	if err != nil {
		return domain.NewDomainError(op, domain.ErrStorage, err.Error())
	}

	hash := sha256.New()
	written, err := io.Copy(io.MultiWriter(tmp, hash), resp.Body)
	closeErr := tmp.Close()
	if err != nil || closeErr != nil {
		os.Remove(tmpPath)
		if err == nil {
			err = closeErr
		}
		return domain.NewDomainError(op, domain.ErrStorage, err.Error())
	}

	if uint32(written) != snap.FirmwareSize {
		os.Remove(tmpPath)
		return domain.NewDomainError(op, domain.ErrIntegrity,
			fmt.Sprintf("image length %d, expected %d", written, snap.FirmwareSize))
	}
	digest := hex.EncodeToString(hash.Sum(nil))
	if !strings.EqualFold(digest, snap.FirmwareSHA256) {
		os.Remove(tmpPath)
		return domain.NewDomainError(op, domain.ErrIntegrity, "sha256 mismatch")
	}

	if err := os.Rename(tmpPath, filepath.Join(u.dataDir, stagedImageName)); err != nil {
		os.Remove(tmpPath)
		return domain.NewDomainError(op, domain.ErrStorage, err.Error())
	}
	marker := strconv.FormatUint(uint64(snap.FirmwareVersion), 10) + "\n"
	if err := os.WriteFile(filepath.Join(u.dataDir, stagedMarkerName), []byte(marker), 0o644); err != nil {
		return domain.NewDomainError(op, domain.ErrStorage, err.Error())
	}

	u.logger.Info("firmware image staged",
		"version", snap.FirmwareVersion, "bytes", written)
	return nil
}

// StagedVersion reports the version marked for activation, if any.
func (u *FirmwareUpdater) StagedVersion() (uint32, bool) {
	data, err := os.ReadFile(filepath.Join(u.dataDir, stagedMarkerName))
	if err != nil {
		return 0, false
	}
	v, err := strconv.ParseUint(strings.TrimSpace(string(data)), 10, 32)
	if err != nil {
		return 0, false
	}
	return uint32(v), true
}

// ActivateStaged promotes the staged image to the running slot and
// clears the marker. Called once at boot, before the state machine
// starts.
func (u *FirmwareUpdater) ActivateStaged() (uint32, error) {
	const op = "firmware.ActivateStaged"
	version, ok := u.StagedVersion()
	if !ok {
		return 0, domain.NewDomainError(op, domain.ErrNotFound, "no staged image")
	}
	staged := filepath.Join(u.dataDir, stagedImageName)
	if err := os.Rename(staged, filepath.Join(u.dataDir, "firmware.bin")); err != nil {
		return 0, domain.NewDomainError(op, domain.ErrStorage, err.Error())
	}
	if err := os.Remove(filepath.Join(u.dataDir, stagedMarkerName)); err != nil {
		return 0, domain.NewDomainError(op, domain.ErrStorage, err.Error())
	}
	u.logger.Info("firmware activated", "version", version)
	return version, nil
}
