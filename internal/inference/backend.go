package inference

// Backend loads models. Every method of Backend, Model and Context is called
// from the engine worker goroutine only.
type Backend interface {
	Load(path string, meta Metadata, opts LoadOptions) (Model, error)
}

// Model is a loaded model.
type Model interface {
	NewContext(size int) (Context, error)
	Release()
}

// Context is an inference context with its KV cache. It must be released
// before its model.
type Context interface {
	ClearCache()
	Start(prompt string, p Params) error
	// Next returns the next token, or io.EOF when generation ends.
	Next() (Token, error)
	Release()
}

// Aborter is implemented by contexts that can interrupt a running
// generation, for example by closing a network stream.
type Aborter interface {
	Abort()
}

// Token is one decoded piece of text.
type Token struct {
	ID   int
	Text string
}

// LoadOptions tune how a backend loads a model.
type LoadOptions struct {
	ContextSize int
	GPULayers   int
	Threads     int
}
