package wire

// Encoding names the storage format a program's code is packaged in.
type Encoding string

const (
	EncodingPlain     Encoding = "plain"
	EncodingZip       Encoding = "zip"
	EncodingSquashfs  Encoding = "squashfs"
)

// Interface names the calling convention a program exposes.
type Interface string

const (
	InterfaceASGI       Interface = "asgi"
	InterfaceExecutable Interface = "executable"
)

// ProgramContent describes where and how a program's code is packaged.
type ProgramContent struct {
	Encoding  Encoding  `msgpack:"encoding"`
	Entrypoint string   `msgpack:"entrypoint"`
	Interface Interface `msgpack:"interface"`
	Code      []byte    `msgpack:"code,omitempty"`
}

// Volume describes one squashfs volume the guest must mount read-only.
type Volume struct {
	Mount  string `msgpack:"mount"`
	Device string `msgpack:"device"`
}

// ConfigurationPayload is the one-time boot configuration sent to a guest
// immediately after the control channel is established.
type ConfigurationPayload struct {
	VMHash      string            `msgpack:"vm_hash"`
	Hostname    string            `msgpack:"hostname"`
	Program     ProgramContent    `msgpack:"program"`
	Volumes     []Volume          `msgpack:"volumes"`
	Environment Environment       `msgpack:"environment"`
	InputData   []byte            `msgpack:"input_data,omitempty"`
	LogLevel    string            `msgpack:"log_level"`

	// IP is the guest's primary interface address (bare, no mask — a /24
	// is assumed), Route its default gateway, and DNSServers the ordered
	// list written into /etc/resolv.conf. IP empty means the guest only
	// brings up loopback and leaves eth0 unconfigured.
	IP         string   `msgpack:"ip,omitempty"`
	Route      string   `msgpack:"route,omitempty"`
	DNSServers []string `msgpack:"dns_servers,omitempty"`
}

// Environment carries per-VM environment knobs the original keeps inline
// on the configuration payload.
type Environment struct {
	Internet bool              `msgpack:"internet"`
	Vars     map[string]string `msgpack:"vars,omitempty"`
}

// RunCodePayload is the body of a non-control-command request: the bytes
// to hand to the program's invocation path, plus request metadata.
type RunCodePayload struct {
	Scope   map[string]any `msgpack:"scope"`
	Body    []byte         `msgpack:"body"`
	Session string         `msgpack:"session,omitempty"`
}

// ResponseHeaders bundles the status code together with the header pairs
// the way the original's response dict does: {"status": ..., "headers":
// ...} rather than status riding alongside as its own top-level envelope
// field.
type ResponseHeaders struct {
	Status  int               `msgpack:"status"`
	Headers map[string]string `msgpack:"headers,omitempty"`
}

// Response is the envelope a guest returns for a RunCodePayload. Body is
// the actual ASGI/executable response payload; Output is whatever the
// program wrote to stdout while handling the request — the two are
// captured independently, matching the original's StringIO-redirected
// stdout versus the queued ASGI response messages.
type Response struct {
	Success    bool            `msgpack:"success"`
	Error      string          `msgpack:"error,omitempty"`
	Traceback  string          `msgpack:"traceback,omitempty"`
	Headers    ResponseHeaders `msgpack:"headers,omitempty"`
	Body       []byte          `msgpack:"body,omitempty"`
	Output     []byte          `msgpack:"output,omitempty"`
	OutputData []byte          `msgpack:"output_data,omitempty"`
}

// BootAck is sent by the guest once setup has completed (or failed) in
// response to the ConfigurationPayload, before the request loop begins.
// CommandPort is the port the guest is now listening on for the
// single-shot command connections the request bridge accepts one at a
// time (backends that use a fixed well-known port, e.g. a real vsock
// port, may leave this zero and rely on the backend's own convention).
type BootAck struct {
	Success     bool   `msgpack:"success"`
	Error       string `msgpack:"error,omitempty"`
	Traceback   string `msgpack:"traceback,omitempty"`
	CommandPort int    `msgpack:"command_port,omitempty"`
}
