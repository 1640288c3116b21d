// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package mofaprep

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"regexp"
	"strings"
	"sync"
	"time"

	"git.arvados.org/arvados.git/lib/cmd"
	"git.arvados.org/arvados.git/sdk/go/arvados"
	"git.arvados.org/arvados.git/sdk/go/arvadosclient"
	"git.arvados.org/arvados.git/sdk/go/keepclient"
	"github.com/klauspost/pgzip"
	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/net/websocket"
)

type containerEvent struct {
	ObjectUUID string `json:"object_uuid"`
	EventType  string `json:"event_type"`
}

// eventStream delivers websocket events about a single container.
// Events are dropped (not queued) if nobody is reading.
type eventStream struct {
	client *arvados.Client
	uuid   string
	C      chan containerEvent
	done   chan struct{}
	once   sync.Once
}

func newEventStream(client *arvados.Client, uuid string) *eventStream {
	es := &eventStream{
		client: client,
		uuid:   uuid,
		C:      make(chan containerEvent, 1),
		done:   make(chan struct{}),
	}
	go es.run()
	return es
}

func (es *eventStream) Close() {
	es.once.Do(func() { close(es.done) })
}

func (es *eventStream) run() {
	for {
		select {
		case <-es.done:
			return
		default:
		}
		err := es.listen()
		log.Warnf("event stream for %s: %s (reconnecting)", es.uuid, err)
		select {
		case <-es.done:
			return
		case <-time.After(5 * time.Second):
		}
	}
}

func (es *eventStream) listen() error {
	var cluster arvados.Cluster
	err := es.client.RequestAndDecode(&cluster, "GET", arvados.EndpointConfigGet.Path, nil, nil)
	if err != nil {
		return fmt.Errorf("get cluster config: %w", err)
	}
	wsURL := cluster.Services.Websocket.ExternalURL
	wsURL.Scheme = strings.Replace(wsURL.Scheme, "http", "ws", 1)
	wsURL.Path = "/websocket"
	wsURL.RawQuery = url.Values{"api_token": []string{es.client.AuthToken}}.Encode()
	conn, err := websocket.Dial(wsURL.String(), "", cluster.Services.Controller.ExternalURL.String())
	if err != nil {
		return err
	}
	defer conn.Close()
	go func() {
		<-es.done
		conn.Close()
	}()
	err = json.NewEncoder(conn).Encode(map[string]interface{}{
		"method": "subscribe",
		"filters": [][]interface{}{
			{"object_uuid", "=", es.uuid},
			{"event_type", "in", []string{"stderr", "crunch-run", "update"}},
		},
	})
	if err != nil {
		return err
	}
	dec := json.NewDecoder(conn)
	for {
		var ev containerEvent
		if err := dec.Decode(&ev); err != nil {
			return err
		}
		if ev.ObjectUUID != es.uuid {
			continue
		}
		select {
		case es.C <- ev:
		default:
		}
	}
}

// containerRunner runs a mofaprep subcommand (or another program)
// in an Arvados container and waits for it to finish.
type containerRunner struct {
	Client      *arvados.Client
	Name        string
	ProjectUUID string
	VCPUs       int
	RAM         int64
	Prog        string // if empty, run this mofaprep binary
	Args        []string
	Mounts      map[string]map[string]interface{}
	Priority    int
	KeepCache   int // cache buffers per VCPU (0 for default)
	Preemptible bool
}

func (runner *containerRunner) Run() (string, error) {
	return runner.RunContext(context.Background())
}

// RunContext returns the UUID of the output collection.
func (runner *containerRunner) RunContext(ctx context.Context) (string, error) {
	if runner.ProjectUUID == "" {
		return "", errors.New("cannot run arvados container: ProjectUUID not provided (use -local=true to run on this host)")
	}
	mounts := map[string]map[string]interface{}{
		"/mnt/output": {"kind": "collection", "writable": true},
	}
	for path, mnt := range runner.Mounts {
		mounts[path] = mnt
	}
	prog := runner.Prog
	if prog == "" {
		collUUID, err := runner.commandCollection()
		if err != nil {
			return "", err
		}
		mounts["/mnt/cmd"] = map[string]interface{}{"kind": "collection", "uuid": collUUID}
		prog = "/mnt/cmd/mofaprep"
	}
	priority := runner.Priority
	if priority < 1 {
		priority = 500
	}
	keepCache := runner.KeepCache
	if keepCache < 1 {
		keepCache = 2
	}
	rc := arvados.RuntimeConstraints{
		VCPUs:        runner.VCPUs,
		RAM:          runner.RAM,
		KeepCacheRAM: (1 << 26) * int64(keepCache) * int64(runner.VCPUs),
	}
	var cr arvados.ContainerRequest
	err := runner.Client.RequestAndDecodeContext(ctx, &cr, "POST", "arvados/v1/container_requests", nil, map[string]interface{}{
		"container_request": map[string]interface{}{
			"owner_uuid":          runner.ProjectUUID,
			"name":                runner.Name,
			"container_image":     "mofaprep-runtime",
			"command":             append([]string{prog}, runner.Args...),
			"mounts":              mounts,
			"use_existing":        true,
			"output_path":         "/mnt/output",
			"runtime_constraints": rc,
			"priority":            priority,
			"state":               arvados.ContainerRequestStateCommitted,
			"scheduling_parameters": arvados.SchedulingParameters{
				Preemptible: runner.Preemptible,
				Partitions:  []string{},
			},
			"environment": map[string]string{
				"GOMAXPROCS": fmt.Sprintf("%d", rc.VCPUs),
			},
			"container_count_max": 1,
		},
	})
	if err != nil {
		return "", err
	}
	log.WithFields(log.Fields{
		"ContainerRequestUUID": cr.UUID,
		"ContainerUUID":        cr.ContainerUUID,
	}).Info("submitted container request")

	var events *eventStream
	defer func() {
		if events != nil {
			events.Close()
		}
	}()
	var logOffset int64
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	lastState := cr.State
	for cr.State != arvados.ContainerRequestStateFinal {
		if events == nil && cr.ContainerUUID != "" {
			events = newEventStream(runner.Client, cr.ContainerUUID)
		}
		var eventC chan containerEvent
		if events != nil {
			eventC = events.C
		}
		select {
		case <-ctx.Done():
			err := runner.Client.RequestAndDecode(&cr, "PATCH", "arvados/v1/container_requests/"+cr.UUID, nil, map[string]interface{}{
				"container_request": map[string]interface{}{"priority": 0},
			})
			if err != nil {
				log.Errorf("error cancelling container request %s: %s", cr.UUID, err)
			}
			return "", ctx.Err()
		case <-ticker.C:
		case <-eventC:
		}
		logOffset = runner.copyLog(ctx, &cr, logOffset)
		reqctx, cancel := context.WithTimeout(ctx, time.Minute)
		err = runner.Client.RequestAndDecodeContext(reqctx, &cr, "GET", "arvados/v1/container_requests/"+cr.UUID, nil, nil)
		cancel()
		if err != nil {
			log.Warnf("error getting container request: %s", err)
			continue
		}
		if cr.State != lastState {
			log.Infof("container request state: %s", cr.State)
			lastState = cr.State
		}
	}
	runner.copyLog(ctx, &cr, logOffset)

	var c arvados.Container
	err = runner.Client.RequestAndDecodeContext(ctx, &c, "GET", "arvados/v1/containers/"+cr.ContainerUUID, nil, nil)
	if err != nil {
		return "", err
	} else if c.State != arvados.ContainerStateComplete {
		return "", fmt.Errorf("container did not complete: %s", c.State)
	} else if c.ExitCode != 0 {
		return "", fmt.Errorf("container exited %d", c.ExitCode)
	}
	return cr.OutputUUID, nil
}

// copyLog copies new lines of the container's stderr log, starting
// at offset, to our own log, and returns the new offset.
func (runner *containerRunner) copyLog(ctx context.Context, cr *arvados.ContainerRequest, offset int64) int64 {
	if cr.ContainerUUID == "" {
		return offset
	}
	req, err := http.NewRequestWithContext(ctx, "GET", "https://"+runner.Client.APIHost+"/arvados/v1/container_requests/"+cr.UUID+"/log/"+cr.ContainerUUID+"/stderr.txt", nil)
	if err != nil {
		return offset
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	resp, err := runner.Client.Do(req)
	if err != nil {
		log.Warnf("error getting log data: %s", err)
		return offset
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return offset
	}
	buf, err := io.ReadAll(resp.Body)
	if err != nil {
		return offset
	}
	for {
		eol := bytes.IndexByte(buf, '\n')
		if eol < 0 {
			return offset
		}
		if eol > 0 {
			log.Print(string(buf[:eol]))
		}
		offset += int64(eol + 1)
		buf = buf[eol+1:]
	}
}

var collectionInPathRe = regexp.MustCompile(`^(.*/)?([0-9a-f]{32}\+[0-9]+|[0-9a-z]{5}-[0-9a-z]{5}-[0-9a-z]{15})(/.*)?$`)

// TranslatePaths rewrites each path (which must refer to a file in a
// collection) to the path where the collection will be mounted in the
// container, and adds the corresponding mount.
func (runner *containerRunner) TranslatePaths(paths ...*string) error {
	if runner.Mounts == nil {
		runner.Mounts = make(map[string]map[string]interface{})
	}
	for _, path := range paths {
		if *path == "" || *path == "-" {
			continue
		}
		m := collectionInPathRe.FindStringSubmatch(*path)
		if m == nil {
			return fmt.Errorf("cannot find uuid in path: %q", *path)
		}
		collID := m[2]
		mountpoint := "/mnt/" + collID
		if _, ok := runner.Mounts[mountpoint]; !ok {
			mnt := map[string]interface{}{"kind": "collection"}
			if len(collID) == 27 {
				mnt["uuid"] = collID
			} else {
				mnt["portable_data_hash"] = collID
			}
			runner.Mounts[mountpoint] = mnt
		}
		*path = mountpoint + m[3]
	}
	return nil
}

var commandCollectionMtx sync.Mutex

// commandCollection returns the UUID of a collection containing the
// running executable, creating one if needed.
func (runner *containerRunner) commandCollection() (string, error) {
	commandCollectionMtx.Lock()
	defer commandCollectionMtx.Unlock()
	exe, err := os.ReadFile("/proc/self/exe")
	if err != nil {
		return "", err
	}
	digest := fmt.Sprintf("%x", blake2b.Sum256(exe))
	cname := "mofaprep " + cmd.Version.String()
	var existing arvados.CollectionList
	err = runner.Client.RequestAndDecode(&existing, "GET", "arvados/v1/collections", nil, arvados.ListOptions{
		Limit: 1,
		Count: "none",
		Filters: []arvados.Filter{
			{Attr: "name", Operator: "=", Operand: cname},
			{Attr: "owner_uuid", Operator: "=", Operand: runner.ProjectUUID},
			{Attr: "properties.blake2b", Operator: "=", Operand: digest},
		},
	})
	if err != nil {
		return "", err
	}
	if len(existing.Items) > 0 {
		log.Printf("using mofaprep binary in existing collection %s", existing.Items[0].UUID)
		return existing.Items[0].UUID, nil
	}
	ac, err := arvadosclient.New(runner.Client)
	if err != nil {
		return "", err
	}
	var coll arvados.Collection
	fs, err := coll.FileSystem(runner.Client, keepclient.New(ac))
	if err != nil {
		return "", err
	}
	f, err := fs.OpenFile("mofaprep", os.O_CREATE|os.O_WRONLY, 0777)
	if err != nil {
		return "", err
	}
	if _, err = f.Write(exe); err != nil {
		return "", err
	}
	if err = f.Close(); err != nil {
		return "", err
	}
	mtxt, err := fs.MarshalManifest(".")
	if err != nil {
		return "", err
	}
	err = runner.Client.RequestAndDecode(&coll, "POST", "arvados/v1/collections", nil, map[string]interface{}{
		"collection": map[string]interface{}{
			"owner_uuid":    runner.ProjectUUID,
			"manifest_text": mtxt,
			"name":          cname,
			"properties":    map[string]interface{}{"blake2b": digest},
		},
	})
	if err != nil {
		return "", err
	}
	log.Printf("stored mofaprep binary in new collection %s", coll.UUID)
	return coll.UUID, nil
}

// zopen returns a reader for the given file, using the Arvados API
// instead of arv-mount/fuse where applicable, and transparently
// decompressing the input if fnm ends with ".gz".
func zopen(fnm string) (io.ReadCloser, error) {
	f, err := open(fnm)
	if err != nil || !strings.HasSuffix(fnm, ".gz") {
		return f, err
	}
	rdr, err := pgzip.NewReader(bufio.NewReaderSize(f, 4*1024*1024))
	if err != nil {
		f.Close()
		return nil, err
	}
	return gzipr{rdr, f}, nil
}

// gzipr closes both the decompressor and the underlying file.
type gzipr struct {
	io.ReadCloser
	io.Closer
}

func (gr gzipr) Close() error {
	e1 := gr.ReadCloser.Close()
	e2 := gr.Closer.Close()
	if e1 != nil {
		return e1
	}
	return e2
}

var (
	siteFS    arvados.CustomFileSystem
	siteFSMtx sync.Mutex
)

func open(fnm string) (io.ReadCloser, error) {
	if os.Getenv("ARVADOS_API_HOST") == "" {
		return os.Open(fnm)
	}
	m := collectionInPathRe.FindStringSubmatch(fnm)
	if m == nil {
		return os.Open(fnm)
	}
	siteFSMtx.Lock()
	defer siteFSMtx.Unlock()
	if siteFS == nil {
		log.Info("setting up Arvados client")
		client := arvados.NewClientFromEnv()
		ac, err := arvadosclient.New(client)
		if err != nil {
			return nil, err
		}
		ac.Client = arvados.DefaultSecureClient
		kc := keepclient.New(ac)
		kc.HTTPClient = arvados.DefaultSecureClient
		kc.BlockCache = &keepclient.BlockCache{MaxBlocks: 4}
		siteFS = client.SiteFileSystem(kc)
	}
	log.Infof("reading %q from %s using Arvados client", m[3], m[2])
	return siteFS.Open("by_id/" + m[2] + m[3])
}

// fingerprint returns the hex blake2b-256 digest of the named file's
// (uncompressed) content.
func fingerprint(fnm string) (string, error) {
	f, err := zopen(fnm)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h, err := blake2b.New256(nil)
	if err != nil {
		return "", err
	}
	if _, err = io.Copy(h, f); err != nil {
		return "", err
	}
	return fmt.Sprintf("%x", h.Sum(nil)), nil
}
