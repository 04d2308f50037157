package protocol

// A source stamp in a submit request.
type SourceStampSpec struct {
	Codebase   string `json:"codebase"`
	Branch     string `json:"branch"`
	Revision   string `json:"revision"`
	Repository string `json:"repository"`
	Project    string `json:"project,omitempty"`
}

type SubmitRequest struct {
	Reason       string            `json:"reason"`
	Builders     []string          `json:"builders"`
	SourceStamps []SourceStampSpec `json:"sourcestamps"`
	Properties   map[string]string `json:"properties,omitempty"`
	Priority     int               `json:"priority,omitempty"`
}

type SubmitResponse struct {
	BuildSetID int64   `json:"buildset_id"`
	RequestIDs []int64 `json:"request_ids"`
}

type CancelBuildRequest struct {
	BuildID string `json:"build_id"`
}

type CancelRequestRequest struct {
	RequestID int64 `json:"request_id"`
}

type CancelResponse struct {
	Result Result `json:"result"`
}

type WorkerRequest struct {
	Name string `json:"name"`
}

type WorkerResponse struct {
	Worker WorkerInfo `json:"worker"`
}

type ListBuildsRequest struct {
	// Include finished builds still held in memory.
	Finished bool `json:"finished,omitempty"`
}

type ListBuildsResponse struct {
	Builds []BuildInfo `json:"builds"`
}

type ListWorkersRequest struct{}

type ListWorkersResponse struct {
	Workers []WorkerInfo `json:"workers"`
}
