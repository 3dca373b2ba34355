package misc

const (
	// KeySize is the size in bytes of the master key and every sub-key.
	KeySize = 32

	// Default Argon2id parameters, used when the server does not dictate
	// its own (registration, PIN enrolment). Server-issued parameters
	// always take precedence for the password unwrap path.
	ArgonTime    uint32 = 3
	ArgonMemory  uint32 = 64 * 1024 // KiB
	ArgonThreads uint8  = 1
	ArgonKeyLen  uint32 = KeySize
	SaltSize            = 16

	FilePermissions = 0600 // user read + write
	DirPermissions  = 0700
)
