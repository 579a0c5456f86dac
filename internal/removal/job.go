package removal

import "encoding/json"

// Job kinds share the single "removal" queue (§5's enqueue-not-call split
// puts both C8 entry points behind one worker queue), so the worker
// dispatcher needs a discriminator to know which Options type to unmarshal.
const (
	KindRemoveRepos       = "remove_repos"
	KindRemoveRepoContent = "remove_repo_content"
)

// QueueJob is the envelope C10 marshals onto the "removal" queue and the
// worker dispatcher unmarshals off of it.
type QueueJob struct {
	Kind    string                    `json:"kind"`
	Repos   *RemoveReposOptions       `json:"repos,omitempty"`
	Content *RemoveRepoContentOptions `json:"content,omitempty"`
}

// NewRemoveReposJob builds the queue envelope for a bulk repo removal.
func NewRemoveReposJob(opts RemoveReposOptions) ([]byte, error) {
	return json.Marshal(QueueJob{Kind: KindRemoveRepos, Repos: &opts})
}

// NewRemoveRepoContentJob builds the queue envelope for a single
// content-unit removal.
func NewRemoveRepoContentJob(opts RemoveRepoContentOptions) ([]byte, error) {
	return json.Marshal(QueueJob{Kind: KindRemoveRepoContent, Content: &opts})
}
