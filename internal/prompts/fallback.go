package prompts

// FallbackResponse is the assistant turn persisted when a model call fails
// or returns nothing usable. The cause is logged, never shown.
const FallbackResponse = "Sorry, I couldn't come up with an answer just now. Please try again in a moment."

// PlanFailedResponse is appended to the assistant turn when a requested
// plan could not be rebuilt.
const PlanFailedResponse = "I wasn't able to update the plan this time."
