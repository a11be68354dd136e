// Package prompts contains the prompt text Talon sends to models.
//
// Prompt text is Go code rather than config files because it is program
// logic: templates use fmt.Sprintf interpolation and the loop depends on
// the exact completion markers they announce. Each prompt category gets
// its own file with an exported function that accepts the dynamic parts
// and returns the interpolated text.
package prompts
