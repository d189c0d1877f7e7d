package envelope

// Worker identifies one of the three long-lived worker process roles.
type Worker string

const (
	WorkerResolve  Worker = "resolve"
	WorkerMedia    Worker = "media"
	WorkerPlatform Worker = "platform"
)

// Workers lists the closed worker enum.
var Workers = []Worker{WorkerResolve, WorkerMedia, WorkerPlatform}

// IsValidWorker reports whether w is a member of the worker enum.
func IsValidWorker(w Worker) bool {
	switch w {
	case WorkerResolve, WorkerMedia, WorkerPlatform:
		return true
	default:
		return false
	}
}

// FieldType enumerates the scalar payload field types the router validates.
type FieldType string

const (
	FieldString FieldType = "string"
	FieldNumber FieldType = "number"
	FieldBool   FieldType = "bool"
)

// FieldSpec describes one payload field's requiredness and scalar type.
type FieldSpec struct {
	Name     string
	Type     FieldType
	Required bool
}

// CommandSchema is the per-command payload contract enforced by the router.
type CommandSchema struct {
	Worker Worker
	Fields []FieldSpec
}

// commandOwners is the closed command -> worker ownership table.
var commandOwners = map[string]CommandSchema{
	"connect":             {Worker: WorkerResolve},
	"context":             {Worker: WorkerResolve},
	"add_marker":          {Worker: WorkerResolve},
	"start_render":        {Worker: WorkerResolve},
	"stop_render":         {Worker: WorkerResolve},
	"create_project_bins": {Worker: WorkerResolve},
	"update_text":         {Worker: WorkerResolve},
	"goto":                {Worker: WorkerResolve},
	"spellcheck":          {Worker: WorkerResolve},
	"lp_base_export":      {Worker: WorkerResolve},
	"shutdown":            {Worker: WorkerResolve},

	"transcribe": {Worker: WorkerMedia, Fields: []FieldSpec{
		{Name: "file", Type: FieldString, Required: true},
	}},
	"transcribe_folder": {Worker: WorkerMedia, Fields: []FieldSpec{
		{Name: "folder_path", Type: FieldString, Required: true},
		{Name: "use_gpu", Type: FieldBool, Required: false},
		{Name: "engine", Type: FieldString, Required: false},
	}},
	"test_cuda": {Worker: WorkerMedia},

	"leaderpass_auth": {Worker: WorkerPlatform},
	"leaderpass_upload": {Worker: WorkerPlatform, Fields: []FieldSpec{
		{Name: "file_path", Type: FieldString, Required: true},
		{Name: "chunk_size", Type: FieldNumber, Required: false},
	}},

	// ping is required of every worker for health checks; it is not
	// owned by a single worker and is exempt from ownership validation.
}

// PingCommand is the health-check command every worker must implement.
const PingCommand = "ping"

// CommandOwner returns the worker that owns cmd, and whether cmd is known.
func CommandOwner(cmd string) (Worker, bool) {
	if cmd == PingCommand {
		return "", true
	}
	schema, ok := commandOwners[cmd]
	if !ok {
		return "", false
	}
	return schema.Worker, true
}

// SchemaFor returns the payload schema for cmd, if any is declared.
func SchemaFor(cmd string) (CommandSchema, bool) {
	schema, ok := commandOwners[cmd]
	return schema, ok
}

// IsKnownCommand reports whether cmd appears in the ownership table (or is
// the universal ping command).
func IsKnownCommand(cmd string) bool {
	if cmd == PingCommand {
		return true
	}
	_, ok := commandOwners[cmd]
	return ok
}
