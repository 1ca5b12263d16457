// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package runtimeEnv holds the daemon-process concerns aikad needs before
// and around its historian lifecycle: loading a .env file ahead of config
// parsing, dropping root once privileged ports/files are open, and
// notifying systemd of readiness/shutdown.
package runtimeEnv

import (
	"fmt"
	"os"
	"os/exec"
	"os/user"
	"strconv"
	"syscall"

	cclog "github.com/ClusterCockpit/cc-lib/v2/ccLogger"
	"github.com/joho/godotenv"
)

// LoadEnv loads file as a .env document and adds every variable it defines
// to aikad's process environment, ahead of config.Load reading its own
// config file. A missing file is reported via the returned error so the
// caller can distinguish "not configured" (os.IsNotExist) from a malformed
// file.
func LoadEnv(file string) error {
	return godotenv.Load(file)
}

// DropPrivileges changes aikad's process user and group to the ones given
// on the command line (flagUser/flagGroup), normally invoked right after
// the storage adapter's files and the metrics listener are opened. The go
// runtime takes care of all threads (not only the calling one) executing
// the underlying syscall.
func DropPrivileges(username string, group string) error {
	if group != "" {
		g, err := user.LookupGroup(group)
		if err != nil {
			return err
		}

		gid, _ := strconv.Atoi(g.Gid)
		if err := syscall.Setgid(gid); err != nil {
			return err
		}
	}

	if username != "" {
		u, err := user.Lookup(username)
		if err != nil {
			return err
		}

		uid, _ := strconv.Atoi(u.Uid)
		if err := syscall.Setuid(uid); err != nil {
			return err
		}
	}

	return nil
}

// SystemdNotifiy tells systemd aikad is ready or shutting down, when
// started as a systemd unit:
// https://www.freedesktop.org/software/systemd/man/sd_notify.html
func SystemdNotifiy(ready bool, status string) {
	if os.Getenv("NOTIFY_SOCKET") == "" {
		// Not started using systemd
		return
	}

	args := []string{fmt.Sprintf("--pid=%d", os.Getpid())}
	if ready {
		args = append(args, "--ready")
	}

	if status != "" {
		args = append(args, fmt.Sprintf("--status=%s", status))
	}

	if err := exec.Command("systemd-notify", args...).Run(); err != nil {
		cclog.Debugf("runtimeEnv: systemd-notify failed: %v", err)
	}
}
