// Package prompt provides prompt templates as runnables.
//
// PromptTemplate renders a string prompt using f-string ("{name}") or
// text/template syntax. ChatPromptTemplate renders a message list from role
// templates, static messages and MessagesPlaceholder entries. Both produce a
// core.PromptValue, which string and chat models accept directly.
//
//	tmpl := prompt.MustPromptTemplate("Tell me a joke about {topic}")
//	chain := runnable.Pipe(tmpl, llm, parser.NewStringParser())
package prompt
