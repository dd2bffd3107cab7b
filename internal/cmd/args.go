package cmd

import (
	"flag"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/AdguardTeam/golibs/osutil"
	"github.com/AdguardTeam/golibs/timeutil"
	"github.com/fcchbjm/quictun/internal/version"
)

// role is the role the binary runs in, selected by the first argument.
type role string

// role values.
const (
	roleClient role = "client"
	roleServer role = "server"
)

// parseRole parses the role from the name of the subcommand.
func parseRole(s string) (r role, err error) {
	switch r = role(s); r {
	case roleClient, roleServer:
		return r, nil
	default:
		return "", fmt.Errorf("command %q: %w", s, errors.ErrBadEnumValue)
	}
}

// Indexes to help with the [commandLineOptions] initialization.
const (
	configPathIdx = iota
	logOutputIdx
	resolverIdx
	targetAddressIdx
	certIdx
	keyIdx
	domainIdx
	handshakeTimeoutIdx
	idleTimeoutIdx
	keepAliveIdx
	readyTimeoutIdx
	tcpListenPortIdx
	dnsListenPortIdx
	maxReconnectsIdx
	ratelimitIdx
	ratelimitAllowlistIdx
	helpIdx
	verboseIdx
	versionIdx
)

// commandLineOption contains information about a command-line option: its long
// and, if there is one, short forms, the value type, and the description.
type commandLineOption struct {
	description string
	long        string
	short       string
	valueType   string
}

// commandLineOptions are all command-line options currently supported by the
// binary.
var commandLineOptions = []*commandLineOption{
	configPathIdx: {
		description: "YAML configuration file. Options passed through command line will " +
			"override the ones from this file.",
		long:      "config-path",
		short:     "",
		valueType: "path",
	},
	logOutputIdx: {
		description: "Path to the log file.",
		long:        "output",
		short:       "o",
		valueType:   "path",
	},
	resolverIdx: {
		description: "DNS resolver to send the queries to, as host:port or a plain DNS stamp " +
			"(default port: 53).",
		long:      "resolver",
		short:     "r",
		valueType: "address",
	},
	targetAddressIdx: {
		description: "Address to forward the tunneled TCP streams to.",
		long:        "target-address",
		short:       "a",
		valueType:   "address",
	},
	certIdx: {
		description: "Path to a PEM certificate file. The server presents it, the client pins " +
			"it (can be specified multiple times).",
		long:      "cert",
		short:     "c",
		valueType: "path",
	},
	keyIdx: {
		description: "Path to a file with the private key of the server.",
		long:        "key",
		short:       "k",
		valueType:   "path",
	},
	domainIdx: {
		description: "Domain the tunnel runs under (the server can serve it multiple times).",
		long:        "domain",
		short:       "d",
		valueType:   "domain",
	},
	handshakeTimeoutIdx: {
		description: "Timeout of the QUIC handshake.",
		long:        "handshake-timeout",
		short:       "",
		valueType:   "duration",
	},
	idleTimeoutIdx: {
		description: "Timeout after which a silent QUIC connection is closed.",
		long:        "idle-timeout",
		short:       "",
		valueType:   "duration",
	},
	keepAliveIdx: {
		description: "QUIC keep-alive period, zero disables keep-alives.",
		long:        "keep-alive",
		short:       "",
		valueType:   "duration",
	},
	readyTimeoutIdx: {
		description: "Time a local TCP connection waits for the tunnel to become ready.",
		long:        "ready-timeout",
		short:       "",
		valueType:   "duration",
	},
	tcpListenPortIdx: {
		description: "Local TCP port the client accepts connections on.",
		long:        "tcp-listen-port",
		short:       "l",
		valueType:   "port",
	},
	dnsListenPortIdx: {
		description: "UDP port the server receives DNS queries on (default: 53).",
		long:        "dns-listen-port",
		short:       "l",
		valueType:   "port",
	},
	maxReconnectsIdx: {
		description: "Number of reconnections before the client gives up, zero means no limit.",
		long:        "max-reconnects",
		short:       "",
		valueType:   "number",
	},
	ratelimitIdx: {
		description: "Queries per second accepted from a resolver subnet, zero disables the limit.",
		long:        "ratelimit",
		short:       "",
		valueType:   "number",
	},
	ratelimitAllowlistIdx: {
		description: "Resolver IP address that is never rate limited (can be specified " +
			"multiple times).",
		long:      "ratelimit-allowlist",
		short:     "",
		valueType: "ip",
	},
	helpIdx: {
		description: "Print this help message and quit.",
		long:        "help",
		short:       "h",
		valueType:   "",
	},
	verboseIdx: {
		description: "Verbose output.",
		long:        "verbose",
		short:       "v",
		valueType:   "",
	},
	versionIdx: {
		description: "Prints the program version.",
		long:        "version",
		short:       "",
		valueType:   "",
	},
}

// commonOptions are the indexes of the options both roles accept.
var commonOptions = []int{
	configPathIdx,
	logOutputIdx,
	certIdx,
	domainIdx,
	handshakeTimeoutIdx,
	idleTimeoutIdx,
	keepAliveIdx,
	helpIdx,
	verboseIdx,
	versionIdx,
}

// roleOptions are the indexes of the options specific to a role.
var roleOptions = map[role][]int{
	roleClient: {
		resolverIdx,
		readyTimeoutIdx,
		tcpListenPortIdx,
		maxReconnectsIdx,
	},
	roleServer: {
		targetAddressIdx,
		keyIdx,
		dnsListenPortIdx,
		ratelimitIdx,
		ratelimitAllowlistIdx,
	},
}

// optionsFor returns the sorted indexes of the options r accepts.
func optionsFor(r role) (idxs []int) {
	idxs = slices.Concat(commonOptions, roleOptions[r])
	slices.Sort(idxs)

	return idxs
}

// parseCmdLineOptions parses the command-line options of r.  conf must not be
// nil.
func parseCmdLineOptions(conf *configuration, cmdName string, r role, args []string) (err error) {
	fields := []any{
		configPathIdx:         &conf.ConfigPath,
		logOutputIdx:          &conf.LogOutput,
		resolverIdx:           &conf.Resolver,
		targetAddressIdx:      &conf.TargetAddress,
		certIdx:               &conf.Certs,
		keyIdx:                &conf.KeyPath,
		domainIdx:             &conf.Domains,
		handshakeTimeoutIdx:   &conf.HandshakeTimeout,
		idleTimeoutIdx:        &conf.IdleTimeout,
		keepAliveIdx:          &conf.KeepAlive,
		readyTimeoutIdx:       &conf.ReadyTimeout,
		tcpListenPortIdx:      &conf.TCPListenPort,
		dnsListenPortIdx:      &conf.DNSListenPort,
		maxReconnectsIdx:      &conf.MaxReconnects,
		ratelimitIdx:          &conf.Ratelimit,
		ratelimitAllowlistIdx: &conf.RatelimitAllowlist,
		helpIdx:               &conf.help,
		verboseIdx:            &conf.Verbose,
		versionIdx:            &conf.Version,
	}

	flags := flag.NewFlagSet(cmdName, flag.ContinueOnError)
	for _, i := range optionsFor(r) {
		addOption(flags, fields[i], commandLineOptions[i])
	}

	flags.Usage = func() { usage(cmdName, r, os.Stderr) }

	err = flags.Parse(args)
	if err != nil {
		// Don't wrap the error, because it's informative enough as is.
		return err
	}

	if flags.NArg() > 0 {
		return fmt.Errorf("unexpected arguments: %q", flags.Args())
	}

	return nil
}

// defineFlag defines a flag with specified setFlag function.  o must not be
// nil.
func defineFlag[T any](
	fieldPtr *T,
	o *commandLineOption,
	setFlag func(p *T, name string, value T, usage string),
) {
	setFlag(fieldPtr, o.long, *fieldPtr, o.description)
	if o.short != "" {
		setFlag(fieldPtr, o.short, *fieldPtr, o.description)
	}
}

// defineFlagVar defines a flag with the specified [flag.Value] value.  o must
// not be nil.
func defineFlagVar(flags *flag.FlagSet, value flag.Value, o *commandLineOption) {
	flags.Var(value, o.long, o.description)
	if o.short != "" {
		flags.Var(value, o.short, o.description)
	}
}

// defineTimeutilDurationFlag defines a flag with for the specified
// [*timeutil.Duration] pointer and command line option.  o must not be nil.
func defineTimeutilDurationFlag(
	flags *flag.FlagSet,
	fieldPtr *timeutil.Duration,
	o *commandLineOption,
) {
	flags.TextVar(fieldPtr, o.long, *fieldPtr, o.description)
	if o.short != "" {
		flags.TextVar(fieldPtr, o.short, *fieldPtr, o.description)
	}
}

// addOption adds the command-line option described by o to flags using fieldPtr
// as the pointer to the value.
func addOption(flags *flag.FlagSet, fieldPtr any, o *commandLineOption) {
	switch fieldPtr := fieldPtr.(type) {
	case *string:
		defineFlag(fieldPtr, o, flags.StringVar)
	case *bool:
		defineFlag(fieldPtr, o, flags.BoolVar)
	case *uint:
		defineFlag(fieldPtr, o, flags.UintVar)
	case *[]string:
		defineFlagVar(flags, newStringSliceValue(fieldPtr), o)
	case *timeutil.Duration:
		defineTimeutilDurationFlag(flags, fieldPtr, o)
	default:
		panic(fmt.Errorf("unexpected field pointer type %T: %w", fieldPtr, errors.ErrBadEnumValue))
	}
}

// usage prints a usage message similar to the one printed by package flag but
// taking long vs. short versions into account as well as using more informative
// value hints.
func usage(cmdName string, r role, output io.Writer) {
	var options []*commandLineOption
	for _, i := range optionsFor(r) {
		options = append(options, commandLineOptions[i])
	}

	slices.SortStableFunc(options, func(a, b *commandLineOption) (res int) {
		return strings.Compare(a.long, b.long)
	})

	b := &strings.Builder{}
	_, _ = fmt.Fprintf(b, "Usage of %s %s:\n", cmdName, r)

	for _, o := range options {
		writeUsageLine(b, o)

		// Use four spaces before the tab to trigger good alignment for both 4-
		// and 8-space tab stops.
		_, _ = fmt.Fprintf(b, "    \t%s\n", o.description)
	}

	_, _ = io.WriteString(output, b.String())
}

// commandsUsage prints the usage message listing the commands.
func commandsUsage(cmdName string, output io.Writer) {
	_, _ = fmt.Fprintf(
		output,
		"Usage: %[1]s <%[2]s|%[3]s> [options]\n"+
			"Run %[1]s <command> --help for the options of a command.\n",
		cmdName,
		roleClient,
		roleServer,
	)
}

// writeUsageLine writes the usage line for the provided command-line option.
func writeUsageLine(b *strings.Builder, o *commandLineOption) {
	if o.short == "" {
		if o.valueType == "" {
			_, _ = fmt.Fprintf(b, "  --%s\n", o.long)
		} else {
			_, _ = fmt.Fprintf(b, "  --%s=%s\n", o.long, o.valueType)
		}

		return
	}

	if o.valueType == "" {
		_, _ = fmt.Fprintf(b, "  --%s/-%s\n", o.long, o.short)
	} else {
		_, _ = fmt.Fprintf(b, "  --%[1]s=%[3]s/-%[2]s %[3]s\n", o.long, o.short, o.valueType)
	}
}

// processCmdLineOptions decides if the program should exit depending on the
// results of command-line option parsing.
func processCmdLineOptions(
	conf *configuration,
	cmdName string,
	r role,
	parseErr error,
	output io.Writer,
) (exitCode int, needExit bool) {
	if parseErr != nil {
		// Assume that usage has already been printed.
		return osutil.ExitCodeArgumentError, true
	}

	if conf.help {
		usage(cmdName, r, output)

		return osutil.ExitCodeSuccess, true
	}

	if conf.Version {
		_, _ = fmt.Fprintf(output, "quictun version %s\n", version.Version())

		return osutil.ExitCodeSuccess, true
	}

	return osutil.ExitCodeSuccess, false
}

// parseConfig returns the configuration of the role selected by args, which
// don't include the program name.  If conf is nil, the program should exit
// with exitCode.
func parseConfig(
	cmdName string,
	args []string,
	output io.Writer,
) (conf *configuration, r role, exitCode int, err error) {
	if len(args) == 0 {
		commandsUsage(cmdName, output)

		return nil, "", osutil.ExitCodeArgumentError, nil
	}

	r, err = parseRole(args[0])
	if err != nil {
		commandsUsage(cmdName, output)

		return nil, "", osutil.ExitCodeArgumentError, err
	}

	args = args[1:]
	conf = newDefaultConfiguration()
	err = parseCmdLineOptions(conf, cmdName, r, args)
	if exitCode, needExit := processCmdLineOptions(conf, cmdName, r, err, output); needExit {
		return nil, r, exitCode, nil
	}

	if conf.ConfigPath == "" {
		return conf, r, osutil.ExitCodeSuccess, nil
	}

	// Read the file, then parse the command line once more so that it takes
	// precedence over the file.
	confPath := conf.ConfigPath
	conf = newDefaultConfiguration()
	err = parseConfigFile(conf, confPath)
	if err != nil {
		return nil, r, osutil.ExitCodeArgumentError, fmt.Errorf(
			"parsing config file %s: %w",
			confPath,
			err,
		)
	}

	err = parseCmdLineOptions(conf, cmdName, r, args)
	if err != nil {
		return nil, r, osutil.ExitCodeArgumentError, err
	}

	return conf, r, osutil.ExitCodeSuccess, nil
}
