/*
File Name:  Exit.go

Exit codes signal why top-level initialization failed, in the style of the
teacher's own root Exit.go constant block. peer.Exit* covers failures
specific to master construction (binding, external address discovery);
these cover config/log/key loading, which happens before a master is even
attempted.
*/

package core

const (
	ExitSuccess           = 0
	ExitErrorConfigAccess = 1 // error accessing the config file
	ExitErrorConfigRead   = 2 // error reading the config file
	ExitErrorConfigParse  = 3 // error parsing the config file
	ExitErrorLogInit      = 4 // error initializing the log file
	ExitPrivateKeyCorrupt = 5 // stored private key could not be parsed
	ExitPrivateKeyCreate  = 6 // could not generate a new private key
	ExitGraceful          = 7 // graceful shutdown
)
