package queue

// Payload variants carried by each job kind. Validation happens once, at
// the HTTP boundary, before Enqueue; the payload inside the queue is
// already validated.

// StoryForPromptPayload requests a story generated from a free-form prompt.
type StoryForPromptPayload struct {
	Prompt   string   `json:"prompt" validate:"required,min=3,max=500"`
	ThemeIDs []string `json:"themeIds" validate:"max=5,dive,required"`
	AgeMin   int      `json:"ageMin" validate:"gte=0,lte=16"`
	AgeMax   int      `json:"ageMax" validate:"gtefield=AgeMin,lte=16"`
	Language string   `json:"language" validate:"omitempty,bcp47_language_tag"`
}

// StoryForChildPayload requests a story personalized for a specific kid
// profile. The kid record itself lives in the account service; the queue
// carries only the reference.
type StoryForChildPayload struct {
	KidID    string   `json:"kidId" validate:"required"`
	ThemeIDs []string `json:"themeIds" validate:"max=5,dive,required"`
	Language string   `json:"language" validate:"omitempty,bcp47_language_tag"`
}

// VoiceClonePayload requests a cloned narration voice built from uploaded
// voice samples.
type VoiceClonePayload struct {
	VoiceName  string   `json:"voiceName" validate:"required,max=64"`
	SampleURIs []string `json:"sampleUris" validate:"required,min=1,max=5,dive,uri"`
	KidID      string   `json:"kidId,omitempty"`
}
