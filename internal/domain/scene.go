package domain

// VisualMeta describes how a scene should look.
type VisualMeta struct {
	Shot     string `json:"shot,omitempty"`
	Camera   string `json:"camera,omitempty"`
	Lighting string `json:"lighting,omitempty"`
	Location string `json:"location,omitempty"`
	Style    string `json:"style,omitempty"`
}

// AudioMeta describes the sound of a scene.
type AudioMeta struct {
	Dialogue  string `json:"dialogue,omitempty"`
	Voiceover string `json:"voiceover,omitempty"`
	SFX       string `json:"sfx,omitempty"`
	Music     string `json:"music,omitempty"`
}

// Scene is one unit of generated output. Number is the 1-based position in
// the job's scene sequence and the only source of temporal order.
type Scene struct {
	Number       int        `json:"number"`
	StartSeconds float64    `json:"start_seconds,omitempty"`
	EndSeconds   float64    `json:"end_seconds,omitempty"`
	Description  string     `json:"description"`
	Visual       VisualMeta `json:"visual"`
	Characters   []string   `json:"characters,omitempty"`
	Audio        AudioMeta  `json:"audio"`
	Prompt       string     `json:"prompt,omitempty"`
}
