package session

import (
	"encoding/json"
	"path"

	"github.com/samber/lo"
	"github.com/tidwall/gjson"

	"github.com/spyglass-dap/spyglass/internal/backend"
	"github.com/spyglass-dap/spyglass/internal/config"
	"github.com/spyglass-dap/spyglass/internal/dap"
	"github.com/spyglass-dap/spyglass/internal/dasm"
)

// handleLaunch validates the launch configuration and creates the
// target, then defers completion: the response is sent only after
// configurationDone performs the actual launch, so breakpoint requests
// land on the fresh target in between.
func (s *Session) handleLaunch(raw json.RawMessage) (any, error) {
	if err := s.prepareSession(raw); err != nil {
		return nil, err
	}
	cfg := gjson.ParseBytes(s.launchArgs)
	custom := cfg.Get("custom").Bool()
	program := cfg.Get("program").String()
	if !custom && program == "" {
		return nil, &UserError{Message: "property 'program' is required for launch"}
	}
	if _, err := parseStdio(cfg.Get("stdio")); err != nil {
		return nil, err
	}
	s.attaching = false
	s.terminateOnDisconnect = true
	s.noDebug = cfg.Get("noDebug").Bool()

	if err := s.runCommandHook("initCommands"); err != nil {
		return nil, err
	}
	if err := s.createTarget(program, custom); err != nil {
		return nil, err
	}
	s.launchReq = s.curReq
	return nil, errDeferred
}

// handleAttach mirrors handleLaunch for the attach path; the backend
// attach happens at configurationDone.
func (s *Session) handleAttach(raw json.RawMessage) (any, error) {
	if err := s.prepareSession(raw); err != nil {
		return nil, err
	}
	cfg := gjson.ParseBytes(s.launchArgs)
	custom := cfg.Get("custom").Bool()
	program := cfg.Get("program").String()
	if !custom && program == "" && !cfg.Get("pid").Exists() {
		return nil, &UserError{Message: "either 'program' or 'pid' is required for attach"}
	}
	s.attaching = true
	s.terminateOnDisconnect = false
	s.noDebug = false

	if err := s.runCommandHook("initCommands"); err != nil {
		return nil, err
	}
	if err := s.createTarget(program, custom); err != nil {
		return nil, err
	}
	s.launchReq = s.curReq
	return nil, errDeferred
}

// prepareSession folds the configured launch defaults and the
// _adapterSettings overlay into the launch configuration and refreshes
// derived settings, including launch-level sourceMap rules.
func (s *Session) prepareSession(raw json.RawMessage) error {
	merged, err := config.MergeLaunchDefaults(raw, s.settings.LaunchDefaults)
	if err != nil {
		return &UserError{Message: err.Error()}
	}
	s.launchArgs = merged

	if overlay := gjson.GetBytes(merged, "_adapterSettings"); overlay.Exists() {
		a, err := config.ParseAdapterSettings([]byte(overlay.Raw))
		if err != nil {
			return &UserError{Message: err.Error()}
		}
		if err := s.settings.Apply(a); err != nil {
			return &UserError{Message: err.Error()}
		}
	}

	s.launchSourceMap = s.launchSourceMap[:0]
	gjson.GetBytes(merged, "sourceMap").ForEach(func(key, value gjson.Result) bool {
		e := mapEntry{From: key.String()}
		if value.Type == gjson.String {
			local := value.String()
			e.Local = &local
		}
		s.launchSourceMap = append(s.launchSourceMap, e)
		return true
	})

	s.applySettings()
	return nil
}

// createTarget builds the backend target and announces readiness for
// configuration. Custom sessions run their targetCreateCommands against
// the fresh target.
func (s *Session) createTarget(program string, custom bool) error {
	target, err := s.backend.CreateTarget(program)
	if err != nil {
		return &UserError{Message: err.Error()}
	}
	s.target = target
	s.disasm = dasm.NewRegistry(target)
	if custom {
		if err := s.runCommandHook("targetCreateCommands"); err != nil {
			return err
		}
	}
	s.sendEvent("initialized", nil)
	return nil
}

// handleConfigurationDone completes a deferred launch or attach. The
// launch response goes out before the configurationDone response.
func (s *Session) handleConfigurationDone(json.RawMessage) (any, error) {
	if s.launchReq != nil {
		req := s.launchReq
		s.launchReq = nil
		s.completeLaunch(req)
	}
	return nil, nil
}

func (s *Session) completeLaunch(req *dap.Request) {
	if err := s.runCommandHook("preRunCommands"); err != nil {
		s.sendErrorResponse(req, err)
		return
	}
	cfg := gjson.ParseBytes(s.launchArgs)
	switch {
	case s.attaching:
		s.completeAttach(req, cfg)
	case cfg.Get("custom").Bool():
		s.completeCustomLaunch(req)
	default:
		s.completeNormalLaunch(req, cfg)
	}
}

func (s *Session) completeAttach(req *dap.Request, cfg gjson.Result) {
	spec := backend.AttachSpec{
		PID:     int(cfg.Get("pid").Int()),
		Program: cfg.Get("program").String(),
		WaitFor: cfg.Get("waitFor").Bool(),
	}
	proc, err := s.target.Attach(spec)
	if err != nil {
		s.sendErrorResponse(req, &UserError{Message: err.Error()})
		return
	}
	s.adoptProcess(proc)
	s.sendSuccessResponse(req, nil)
}

// completeCustomLaunch runs processCreateCommands and adopts whatever
// process they produced on the target.
func (s *Session) completeCustomLaunch(req *dap.Request) {
	if err := s.runCommandHook("processCreateCommands"); err != nil {
		s.sendErrorResponse(req, err)
		return
	}
	proc := s.target.Process()
	if proc == nil {
		s.sendErrorResponse(req, &UserError{Message: "processCreateCommands did not create a process"})
		return
	}
	s.adoptProcess(proc)
	s.sendSuccessResponse(req, nil)
}

func (s *Session) completeNormalLaunch(req *dap.Request, cfg gjson.Result) {
	term := cfg.Get("terminal").String()
	if (term == "integrated" || term == "external") && s.clientSupportsTerminal {
		s.launchInTerminal(req, cfg, term)
		return
	}
	spec, err := s.buildLaunchSpec(cfg)
	if err != nil {
		s.sendErrorResponse(req, err)
		return
	}
	s.finishLaunch(req, spec)
}

// launchInTerminal asks the client to start the debuggee in a terminal
// and attaches to the reported process. The launch response waits for
// the client's answer; its callback fires exactly once. If the client
// fails to start a terminal or does not report a pid, the launch falls
// back to the plain path.
func (s *Session) launchInTerminal(req *dap.Request, cfg gjson.Result, kind string) {
	program := cfg.Get("program").String()
	args := append([]string{program}, stringList(cfg.Get("args"))...)
	cwd := cfg.Get("cwd").String()
	if cwd == "" {
		cwd = path.Dir(program)
	}
	termArgs := dap.RunInTerminalRequestArguments{
		Kind:  kind,
		Title: path.Base(program),
		Cwd:   cwd,
		Args:  args,
		Env:   stringMap(cfg.Get("env")),
	}
	s.sendReverseRequest("runInTerminal", termArgs, func(resp *dap.Response) {
		if resp.Success {
			var body dap.RunInTerminalResponseBody
			if err := json.Unmarshal(resp.Body, &body); err == nil && body.ProcessID != 0 {
				proc, err := s.target.Attach(backend.AttachSpec{PID: body.ProcessID})
				if err != nil {
					s.sendErrorResponse(req, &UserError{Message: err.Error()})
					return
				}
				s.adoptProcess(proc)
				s.sendSuccessResponse(req, nil)
				return
			}
			s.console("Terminal did not report a process id, launching directly.\n")
		} else {
			s.console("Could not start a terminal: " + resp.Message + "\n")
		}
		spec, err := s.buildLaunchSpec(cfg)
		if err != nil {
			s.sendErrorResponse(req, err)
			return
		}
		s.finishLaunch(req, spec)
	})
}

func (s *Session) finishLaunch(req *dap.Request, spec backend.LaunchSpec) {
	proc, err := s.target.Launch(spec)
	if err != nil {
		s.sendErrorResponse(req, &UserError{Message: err.Error()})
		return
	}
	s.adoptProcess(proc)
	s.sendSuccessResponse(req, nil)
}

func (s *Session) adoptProcess(proc backend.Process) {
	s.process = proc
	s.knownThreads = make(map[int]bool)
	s.running = true
}

func (s *Session) buildLaunchSpec(cfg gjson.Result) (backend.LaunchSpec, error) {
	stdio, err := parseStdio(cfg.Get("stdio"))
	if err != nil {
		return backend.LaunchSpec{}, err
	}
	disableASLR := true
	if v := cfg.Get("disableASLR"); v.Exists() {
		disableASLR = v.Bool()
	}
	return backend.LaunchSpec{
		Args:        stringList(cfg.Get("args")),
		Env:         stringMap(cfg.Get("env")),
		Cwd:         cfg.Get("cwd").String(),
		Stdio:       stdio,
		StopOnEntry: cfg.Get("stopOnEntry").Bool() && !s.noDebug,
		NoDebug:     s.noDebug,
		DisableASLR: disableASLR,
	}, nil
}

// parseStdio accepts the three launch stdio shapes: a single path for
// all streams, a list of up to three entries (null = inherit), or an
// object with stdin/stdout/stderr keys.
func parseStdio(res gjson.Result) ([3]*string, error) {
	var stdio [3]*string
	switch {
	case !res.Exists() || res.Type == gjson.Null:
	case res.Type == gjson.String:
		p := res.String()
		stdio = [3]*string{&p, &p, &p}
	case res.IsArray():
		arr := res.Array()
		if len(arr) > 3 {
			return stdio, userErrorf("stdio list may have at most 3 entries, got %d", len(arr))
		}
		for i, e := range arr {
			switch e.Type {
			case gjson.Null:
			case gjson.String:
				p := e.String()
				stdio[i] = &p
			default:
				return stdio, userErrorf("stdio entry %d must be a string or null", i)
			}
		}
	case res.IsObject():
		for i, key := range [3]string{"stdin", "stdout", "stderr"} {
			e := res.Get(key)
			switch e.Type {
			case gjson.Null:
			case gjson.String:
				p := e.String()
				stdio[i] = &p
			default:
				if e.Exists() {
					return stdio, userErrorf("stdio.%s must be a string or null", key)
				}
			}
		}
	default:
		return stdio, userErrorf("invalid stdio specification: %s", res.Raw)
	}
	return stdio, nil
}

func stringList(res gjson.Result) []string {
	return lo.Map(res.Array(), func(e gjson.Result, _ int) string { return e.String() })
}

func stringMap(res gjson.Result) map[string]string {
	if !res.IsObject() {
		return nil
	}
	m := make(map[string]string)
	res.ForEach(func(key, value gjson.Result) bool {
		m[key.String()] = value.String()
		return true
	})
	return m
}
