package prompts

import "fmt"

// planTemplate is the system prompt for plan generation. The single
// format verb is the task snapshot.
const planTemplate = `You write step-by-step plans for home-improvement tasks.

## The Task
%s

Produce a complete plan for a capable homeowner. Order the steps as they
should be done. List every material with a quantity and every tool. Put
anything that could injure someone or damage the home in safety_notes.
Give the cost as a low and high estimate. Say in escalation_advice when the
homeowner should stop and hire a professional.

Respond only with the structured plan. Use the conversation for details the
homeowner has already given.`

// PlanPrompt returns the system prompt for generating a task plan.
func PlanPrompt(task string) string {
	return fmt.Sprintf(planTemplate, task)
}
