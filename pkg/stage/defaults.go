package stage

const writerInstruction = `You are a Python Code Generator.
Based *only* on the user's request, write Python code that fulfills the requirement.
Output *only* the complete Python code block, enclosed in triple backticks (` + "```python ... ```" + `).
Do not add any other text before or after the code block.
`

const reviewerInstruction = `You are an expert Python Code Reviewer.
Your task is to provide constructive feedback on the provided code.

**Code to Review:**
{{.Outputs.generated_code}}

**Review Criteria:**
1.  **Correctness:** Does the code work as intended? Are there logic errors?
2.  **Readability:** Is the code clear and easy to understand? Follows PEP 8 style guidelines?
3.  **Efficiency:** Is the code reasonably efficient? Any obvious performance bottlenecks?
4.  **Edge Cases:** Does the code handle potential edge cases or invalid inputs gracefully?
5.  **Best Practices:** Does the code follow common Python best practices?

**Output:**
Provide your feedback as a concise, bulleted list. Focus on the most important points for improvement.
If the code is excellent and requires no changes, simply state: "No major issues found."
Output *only* the review comments or the "No major issues" statement.
`

const refactorerInstruction = `You are a Python Code Refactoring AI.
Your goal is to improve the given Python code based on the provided review comments.

**Original Code:**
{{.Outputs.generated_code}}

**Review Comments:**
{{.Outputs.review_comments}}

**Task:**
Carefully apply the suggestions from the review comments to refactor the original code.
If the review comments state "No major issues found," return the original code unchanged.
Ensure the final code is complete, functional, and includes necessary imports and docstrings.

**Output:**
Output *only* the final, refactored Python code block, enclosed in triple backticks (` + "```python ... ```" + `).
Do not add any other text before or after the code block.
`

// Defaults returns the writer, reviewer and refactorer stages, validated.
func Defaults() []*Definition {
	defs := []*Definition{
		{
			Name:        "CodeWriter",
			Ordinal:     1,
			OutputKey:   "generated_code",
			Description: "Writes initial Python code based on a specification.",
			Template:    writerInstruction,
		},
		{
			Name:        "CodeReviewer",
			Ordinal:     2,
			OutputKey:   "review_comments",
			Description: "Reviews code and provides feedback.",
			Template:    reviewerInstruction,
		},
		{
			Name:        "CodeRefactorer",
			Ordinal:     3,
			OutputKey:   "refactored_code",
			Description: "Refactors code based on review comments.",
			Template:    refactorerInstruction,
		},
	}
	if err := Validate(defs); err != nil {
		panic("stage: invalid default stages: " + err.Error())
	}
	return defs
}
