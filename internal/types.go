package internal

import "time"

// MemoryKey identifies a stored chunk translation.
type MemoryKey struct {
	Text       string
	SourceLang string
	TargetLang string
	Model      string
}

const (
	RunRunning   = "running"
	RunCompleted = "completed"
	RunPartial   = "partial"
	RunCancelled = "cancelled"
	RunFailed    = "failed"
)

// Run is one invocation of the translate command.
type Run struct {
	ID          string     `yaml:"id" json:"id"`
	InputFile   string     `yaml:"input_file" json:"input_file"`
	OutputFile  string     `yaml:"output_file" json:"output_file"`
	SourceLang  string     `yaml:"source_lang" json:"source_lang"`
	TargetLang  string     `yaml:"target_lang" json:"target_lang"`
	Backend     string     `yaml:"backend" json:"backend"`
	Model       string     `yaml:"model" json:"model"`
	Status      string     `yaml:"status" json:"status"`
	TotalChunks int        `yaml:"total_chunks" json:"total_chunks"`
	Succeeded   int        `yaml:"succeeded" json:"succeeded"`
	Failed      int        `yaml:"failed" json:"failed"`
	CacheHits   int        `yaml:"cache_hits" json:"cache_hits"`
	APICalls    int        `yaml:"api_calls" json:"api_calls"`
	Error       string     `yaml:"error,omitempty" json:"error,omitempty"`
	StartedAt   time.Time  `yaml:"started_at" json:"started_at"`
	FinishedAt  *time.Time `yaml:"finished_at,omitempty" json:"finished_at,omitempty"`
}

// ChunkRecord is the final state of one chunk of a run.
type ChunkRecord struct {
	RunID         string        `yaml:"-" json:"-"`
	ChunkID       string        `yaml:"chunk_id" json:"chunk_id"`
	SequenceIndex int           `yaml:"seq" json:"seq"`
	StartLine     int           `yaml:"start_line" json:"start_line"`
	EndLine       int           `yaml:"end_line" json:"end_line"`
	State         string        `yaml:"state" json:"state"`
	Attempts      int           `yaml:"attempts" json:"attempts"`
	Elapsed       time.Duration `yaml:"elapsed" json:"elapsed"`
	Cached        bool          `yaml:"cached" json:"cached"`
	Refined       bool          `yaml:"refined" json:"refined"`
	UnsafeSplit   bool          `yaml:"unsafe_split" json:"unsafe_split"`
	Reason        string        `yaml:"reason,omitempty" json:"reason,omitempty"`
}
