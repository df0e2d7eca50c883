package discovery

import (
	"path"
	"strings"

	"github.com/benmeehan/display-ota/internal/constants"
	"github.com/benmeehan/display-ota/internal/models"
)

// DefaultKnownBoards lists the board names asset selection tells apart.
var DefaultKnownBoards = []string{"esp32", "esp32s2", "esp32s3"}

// SelectAsset picks the release asset for board. Board-specific firmware
// binaries win over a generic "firmware.bin"; bootstrap images are never
// chosen. A bundle asset is used only when no binary qualifies.
func SelectAsset(assets []models.GithubReleaseAsset, board string, knownBoards []string) (models.GithubReleaseAsset, constants.ArtifactKind, bool) {
	var best models.GithubReleaseAsset
	bestPriority := 0

	for _, asset := range assets {
		name := strings.ToLower(asset.Name)
		if !strings.HasSuffix(name, ".bin") || strings.Contains(name, "bootstrap") {
			continue
		}
		if !strings.Contains(name, "firmware") {
			continue
		}

		priority := 0
		if board != "" && matchesBoard(name, strings.ToLower(board), knownBoards) {
			priority = constants.ReleaseAssetBoardMatch
		}
		if name == "firmware.bin" && priority < constants.ReleaseAssetGenericMatch {
			priority = constants.ReleaseAssetGenericMatch
		}
		if priority > bestPriority {
			bestPriority = priority
			best = asset
		}
	}
	if bestPriority > 0 {
		return best, constants.ArtifactBinary, true
	}

	for _, asset := range assets {
		name := strings.ToLower(asset.Name)
		if path.Ext(name) == ".lmwb" && !strings.Contains(name, "bootstrap") {
			return asset, constants.ArtifactBundle, true
		}
	}
	return models.GithubReleaseAsset{}, "", false
}

// matchesBoard accepts "esp32s3" and "esp32-s3" spellings and rejects names
// that only match because they carry a longer sibling board name.
func matchesBoard(name, board string, knownBoards []string) bool {
	if !containsBoard(name, board) {
		return false
	}
	for _, other := range knownBoards {
		other = strings.ToLower(other)
		if other != board && len(other) > len(board) && strings.Contains(other, board) && containsBoard(name, other) {
			return false
		}
	}
	return true
}

func containsBoard(name, board string) bool {
	return strings.Contains(name, board) || (dashed(board) != board && strings.Contains(name, dashed(board)))
}

// dashed inserts a dash where a digit run is followed by letters: esp32s3 -> esp32-s3.
func dashed(board string) string {
	for i := 1; i < len(board); i++ {
		if isDigit(board[i-1]) && !isDigit(board[i]) {
			return board[:i] + "-" + board[i:]
		}
	}
	return board
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}

// releaseToManifest adapts a release so the rest of the pipeline sees one manifest shape.
func releaseToManifest(release models.GithubRelease, asset models.GithubReleaseAsset, kind constants.ArtifactKind) *models.UpdateManifest {
	m := &models.UpdateManifest{
		Version:      NormalizeVersion(release.TagName),
		BuildID:      release.Name,
		BuildDate:    release.PublishedAt,
		ArtifactKind: kind,
		ArtifactURL:  asset.BrowserDownloadURL,
	}
	if asset.Size > 0 {
		size := asset.Size
		m.SizeBytes = &size
	}
	return m
}
