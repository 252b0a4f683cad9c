package model

// Question is an entry of the question bank.
type Question struct {
	ID       int64  `json:"-"`
	Slug     string `json:"id"`
	Text     string `json:"text"`
	Topic    string `json:"topic,omitempty"`
	Language string `json:"language,omitempty"`
}

// QuestionImport is used for loading questions from JSON or YAML files.
type QuestionImport struct {
	ID       string `json:"id" yaml:"id"`
	Text     string `json:"text" yaml:"text"`
	Topic    string `json:"topic" yaml:"topic"`
	Language string `json:"language" yaml:"language"`
}

// PoseQuestionResponse is the body returned by GET /pose-question/{id}.
type PoseQuestionResponse struct {
	OriginalQuestionID   string `json:"original_question_id"`
	OriginalQuestion     string `json:"original_question"`
	ReformulatedQuestion string `json:"reformulated_question"`
	Status               string `json:"status"`
	AudioBase64          string `json:"audio_base64,omitempty"`
	AudioFormat          string `json:"audio_format,omitempty"`
}

// AnswerResponse is the body returned by POST /process-answer/.
type AnswerResponse struct {
	Text     string `json:"text"`
	Language string `json:"language,omitempty"`
}

// StartQuestionResponse is the body returned by GET /start-question/{id}.
type StartQuestionResponse struct {
	QuestionID string `json:"question_id"`
	Status     string `json:"status"`
	Message    string `json:"message"`
}

// MessageResponse is a plain informational body.
type MessageResponse struct {
	Message string `json:"message"`
}

// ImportResponse is the body returned by POST /questions.
type ImportResponse struct {
	Filename string `json:"filename"`
	Imported int    `json:"imported"`
	Message  string `json:"message"`
}

// ErrorResponse is the body of every non-2xx service response.
type ErrorResponse struct {
	Detail string `json:"detail"`
}

// ServiceConfig holds runtime service parameters set via CLI flags.
type ServiceConfig struct {
	Language      string // transcription hint and reformulation language, e.g. "fr"
	PromptVariant string // reformulation prompt variant (formal, standard, casual)
	Speech        bool   // synthesize question audio
	MaxUploadMB   int64  // upper bound for answer uploads
	AdminToken    string // bearer token for question uploads; empty disables them
}
