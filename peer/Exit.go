/*
File Name:  Exit.go

Exit codes signal why master construction failed, in the style of the
teacher's own Exit.go constant block.
*/

package peer

const (
	ExitSuccess               = 0
	ExitErrorBind             = 1 // could not obtain the configured ports
	ExitErrorNoExternalAddr   = 2 // no externally visible network interface discovered
	ExitErrorPrivateKeyMissing = 3
)
