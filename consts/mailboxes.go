package consts

const (
	// WelcomeMessageID is the file name of the message every new mailbox
	// is seeded with.
	WelcomeMessageID = "welcome.txt"

	// MessageIDPrefix and MessageIDSuffix frame generated message ids:
	// email_<idgen token>.txt
	MessageIDPrefix = "email_"
	MessageIDSuffix = ".txt"

	// NoSubject is substituted when a stored message carries no subject.
	NoSubject = "No Subject"

	// ServerOrigin is the origin address recorded on server generated mail.
	ServerOrigin = "Server"

	// StagingPrefix marks hidden work directories and temp files under the
	// mailbox root. Usernames and message ids may not start with '.'.
	StagingPrefix = ".staging-"
)

// OrphanPrefix renames a stale mailbox directory out of the way when an
// account with the same name is registered.
const OrphanPrefix = ".orphan-"

// TempPrefix marks in-progress message files inside a mailbox.
const TempPrefix = ".tmp-"
