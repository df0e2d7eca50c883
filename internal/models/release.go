package models

// GithubReleaseAsset is the subset of a release asset the adapter reads.
type GithubReleaseAsset struct {
	ID                 int    `json:"id"`
	Name               string `json:"name"`
	ContentType        string `json:"content_type"`
	State              string `json:"state"`
	Size               int64  `json:"size"`
	BrowserDownloadURL string `json:"browser_download_url"`
}

// GithubRelease is a "latest release" response from a GitHub-compatible releases API.
type GithubRelease struct {
	ID          int                  `json:"id"`
	TagName     string               `json:"tag_name"`
	Name        string               `json:"name"`
	Draft       bool                 `json:"draft"`
	Prerelease  bool                 `json:"prerelease"`
	CreatedAt   string               `json:"created_at"`
	PublishedAt string               `json:"published_at"`
	Assets      []GithubReleaseAsset `json:"assets"`
}
