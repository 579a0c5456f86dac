// Package pulpapi names the per-content-type API paths and JSON resource
// shapes a backend exposes for remotes, repositories, and distributions,
// grounded on the original client's REPO_TYPE_URL/REMOTE_TYPE_URL/
// DISTRIBUTION_TYPE_URL path tables.
package pulpapi

import (
	"fmt"

	"github.com/pulpfleet/manager/models"
)

// typeSegment maps a RepoType to the URL segment a backend uses for it
// (e.g. "rpm/rpm" for RPM, "deb/apt" for DEB, matching the original
// REPO_TYPE_URL table where DEB repos live under .../deb/apt/).
var typeSegment = map[models.RepoType]string{
	models.RepoTypeFile:      "file/file",
	models.RepoTypeRPM:       "rpm/rpm",
	models.RepoTypeDEB:       "deb/apt",
	models.RepoTypePython:    "python/python",
	models.RepoTypeContainer: "container/container",
}

func segment(t models.RepoType) (string, error) {
	s, ok := typeSegment[t]
	if !ok {
		return "", fmt.Errorf("unsupported repo_type %s for pulp API path", t)
	}
	return s, nil
}

// RepositoriesPath returns the list/create path for repositories of type t.
func RepositoriesPath(t models.RepoType) (string, error) {
	seg, err := segment(t)
	if err != nil {
		return "", err
	}
	return "/pulp/api/v3/repositories/" + seg + "/", nil
}

// RemotesPath returns the list/create path for remotes of type t.
func RemotesPath(t models.RepoType) (string, error) {
	seg, err := segment(t)
	if err != nil {
		return "", err
	}
	return "/pulp/api/v3/remotes/" + seg + "/", nil
}

// DistributionsPath returns the list/create path for distributions of type t.
func DistributionsPath(t models.RepoType) (string, error) {
	seg, err := segment(t)
	if err != nil {
		return "", err
	}
	return "/pulp/api/v3/distributions/" + seg + "/", nil
}

// PublicationsPath returns the list/create path for publications of type t.
func PublicationsPath(t models.RepoType) (string, error) {
	seg, err := segment(t)
	if err != nil {
		return "", err
	}
	return "/pulp/api/v3/publications/" + seg + "/", nil
}

// contentSegment maps a RepoType to the single-word content-type name §6.1's
// `/content/<type>/packages/` listing uses, distinct from typeSegment's
// nested repository/remote/distribution path segments.
var contentSegment = map[models.RepoType]string{
	models.RepoTypeFile:      "file",
	models.RepoTypeRPM:       "rpm",
	models.RepoTypeDEB:       "deb",
	models.RepoTypePython:    "python",
	models.RepoTypeContainer: "container",
}

// ContentPackagesPath returns the paginated content listing path for type t
// (§6.1 "/content/<type>/packages/"), filterable by repository_version and
// type-specific fields (package__iregex for DEB, name substring for others).
func ContentPackagesPath(t models.RepoType) (string, error) {
	seg, ok := contentSegment[t]
	if !ok {
		return "", fmt.Errorf("unsupported repo_type %s for content listing path", t)
	}
	return "/pulp/api/v3/content/" + seg + "/packages/", nil
}

// SigningServicesPath is the list path for a backend's configured content
// signing services (§6.1 "/signing-services/"), read-only passthrough.
const SigningServicesPath = "/pulp/api/v3/signing-services/"

// SigningService is the subset of a backend signing-service resource used by
// the signing_services passthrough.
type SigningService struct {
	PulpHref string `json:"pulp_href"`
	Name     string `json:"name"`
	Pubkey   string `json:"pubkey_fingerprint,omitempty"`
}

// Repository is the subset of a backend repository resource the reconciler
// and controllers need, common across content types (per the original's
// base Repository/RpmRepository/etc. hierarchy).
type Repository struct {
	PulpHref          string `json:"pulp_href"`
	Name              string `json:"name"`
	Description       string `json:"description,omitempty"`
	LatestVersionHref string `json:"latest_version_href,omitempty"`
	Remote            string `json:"remote,omitempty"`
}

// Remote is the subset of a backend remote resource used here.
type Remote struct {
	PulpHref      string `json:"pulp_href"`
	Name          string `json:"name"`
	URL           string `json:"url"`
	Distributions string `json:"distributions,omitempty"` // DEB only; "/" means flat repo
}

// IsFlatRepo reports whether a DEB remote's distributions field marks it as
// a flat repo (original's Remote.is_flat_repo property).
func (r Remote) IsFlatRepo() bool { return r.Distributions == "/" }

// Distribution is the subset of a backend distribution resource used here.
type Distribution struct {
	PulpHref    string `json:"pulp_href"`
	Name        string `json:"name"`
	BasePath    string `json:"base_path"`
	Repository  string `json:"repository,omitempty"`
	Publication string `json:"publication,omitempty"`
}

// Content is the subset of a backend content-unit resource used by banned
// package detection (§4.6).
type Content struct {
	PulpHref string `json:"pulp_href"`
	Name     string `json:"name"`
}

// Publication is the subset of a backend publication resource used here.
type Publication struct {
	PulpHref    string `json:"pulp_href"`
	Repository  string `json:"repository,omitempty"`
	RepoVersion string `json:"repository_version,omitempty"`
}

// BackendTask mirrors the task object a backend returns from the Task-API
// header a mutating call responds with, polled to completion by callers
// (§4.6/§4.7/§4.8 "poll to completion").
type BackendTask struct {
	PulpHref      string   `json:"pulp_href"`
	State         string   `json:"state"`
	CreatedResources []string `json:"created_resources,omitempty"`
	Error         *struct {
		Description string `json:"description"`
	} `json:"error,omitempty"`
}

// Done reports whether the backend task reached a terminal state.
func (t BackendTask) Done() bool {
	switch t.State {
	case "completed", "failed", "canceled":
		return true
	default:
		return false
	}
}
