// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// Copyright 2017-present Lee Honan.

package api

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/leehonan/meterman-server/pkg/devices"
	"github.com/leehonan/meterman-server/pkg/gwlink"
	"github.com/leehonan/meterman-server/pkg/meterdata"
	"github.com/leehonan/meterman-server/pkg/store"
	"github.com/leehonan/meterman-server/pkg/util/log"
)

func (s *Server) setupHandlers(r *mux.Router) {
	r.HandleFunc("/meterentries/{node_uuid}", s.getMeterEntries).Methods(http.MethodGet)
	r.HandleFunc("/meterconsumption/{node_uuid}", s.getMeterConsumption).Methods(http.MethodGet)
	r.HandleFunc("/gatewaysnapshots/{gateway_uuid}", s.getGatewaySnapshots).Methods(http.MethodGet)
	r.HandleFunc("/nodesnapshots/{node_uuid}", s.getNodeSnapshots).Methods(http.MethodGet)
	r.HandleFunc("/nodeevents/{node_uuid}", s.getNodeEvents).Methods(http.MethodGet)
	r.HandleFunc("/devicestate", s.getDeviceState).Methods(http.MethodGet)
	r.HandleFunc("/nodectrl/{node_uuid}", s.putNodeCtrl).Methods(http.MethodPut)
	r.HandleFunc("/meterdata/delete/{node_uuid}", s.putMeterDataDelete).Methods(http.MethodPut)
	r.HandleFunc("/meterdata/upload/{operation}/{node_uuid}", s.putMeterDataUpload).Methods(http.MethodPut)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
}

// envelope is the response shape shared by every endpoint: the request as
// understood, and its result.
type envelope struct {
	Request interface{} `json:"request"`
	Result  interface{} `json:"result"`
}

// queryEcho echoes the common query parameters; absent ones render null.
type queryEcho struct {
	NodeUUID  *string `json:"node_uuid"`
	ItemLimit int     `json:"item_limit"`
	TimeFrom  *int64  `json:"time_from"`
	TimeTo    *int64  `json:"time_to"`
}

func (s *Server) getMeterEntries(w http.ResponseWriter, r *http.Request) {
	uuid := pathUUID(r, "node_uuid")
	win, errs := parseQueryWindow(r)
	if len(errs) > 0 {
		writeBadRequest(w, errs)
		return
	}

	entries, err := s.data.MeterEntries(store.MeterEntryFilter{
		NodeUUID:  strVal(uuid),
		RecStatus: store.RecStatusNormal,
		TimeFrom:  intVal(win.timeFrom),
		TimeTo:    intVal(win.timeTo),
		Limit:     win.itemLimit,
	})
	if err != nil {
		writeServerError(w, err)
		return
	}
	writeResult(w, queryEcho{uuid, win.itemLimit, win.timeFrom, win.timeTo}, struct {
		MeterEntries []store.MeterEntry `json:"meter_entries"`
	}{entries})
}

func (s *Server) getMeterConsumption(w http.ResponseWriter, r *http.Request) {
	uuid := pathUUID(r, "node_uuid")
	from, to, errs := parseTimeWindow(r)
	if uuid == nil {
		errs = append(errs, invalidRequest("Node UUID required."))
	}
	if len(errs) > 0 {
		writeBadRequest(w, errs)
		return
	}

	consumption, err := s.data.MeterConsumption(*uuid, intVal(from), intVal(to))
	if err != nil {
		writeServerError(w, err)
		return
	}
	writeResult(w, struct {
		NodeUUID *string `json:"node_uuid"`
		TimeFrom *int64  `json:"time_from"`
		TimeTo   *int64  `json:"time_to"`
	}{uuid, from, to}, struct {
		MeterConsumption int64 `json:"meter_consumption"`
	}{consumption})
}

func (s *Server) getGatewaySnapshots(w http.ResponseWriter, r *http.Request) {
	uuid := pathUUID(r, "gateway_uuid")
	win, errs := parseQueryWindow(r)
	if len(errs) > 0 {
		writeBadRequest(w, errs)
		return
	}

	snaps, err := s.data.GatewaySnapshots(store.GatewaySnapFilter{
		GatewayUUID: strVal(uuid),
		RecStatus:   store.RecStatusNormal,
		TimeFrom:    intVal(win.timeFrom),
		TimeTo:      intVal(win.timeTo),
		Limit:       win.itemLimit,
	})
	if err != nil {
		writeServerError(w, err)
		return
	}
	writeResult(w, struct {
		GatewayUUID *string `json:"gateway_uuid"`
		ItemLimit   int     `json:"item_limit"`
		TimeFrom    *int64  `json:"time_from"`
		TimeTo      *int64  `json:"time_to"`
	}{uuid, win.itemLimit, win.timeFrom, win.timeTo}, struct {
		GatewaySnapshots []store.GatewaySnapshot `json:"gateway_snapshots"`
	}{snaps})
}

func (s *Server) getNodeSnapshots(w http.ResponseWriter, r *http.Request) {
	uuid := pathUUID(r, "node_uuid")
	win, errs := parseQueryWindow(r)
	if len(errs) > 0 {
		writeBadRequest(w, errs)
		return
	}

	snaps, err := s.data.NodeSnapshots(store.NodeSnapFilter{
		NodeUUID:  strVal(uuid),
		RecStatus: store.RecStatusNormal,
		TimeFrom:  intVal(win.timeFrom),
		TimeTo:    intVal(win.timeTo),
		Limit:     win.itemLimit,
	})
	if err != nil {
		writeServerError(w, err)
		return
	}
	writeResult(w, queryEcho{uuid, win.itemLimit, win.timeFrom, win.timeTo}, struct {
		NodeSnapshots []store.NodeSnapshot `json:"node_snapshots"`
	}{snaps})
}

func (s *Server) getNodeEvents(w http.ResponseWriter, r *http.Request) {
	uuid := pathUUID(r, "node_uuid")
	win, errs := parseQueryWindow(r)
	if len(errs) > 0 {
		writeBadRequest(w, errs)
		return
	}

	events, err := s.data.NodeEvents(store.NodeEventFilter{
		NodeUUID: strVal(uuid),
		TimeFrom: intVal(win.timeFrom),
		TimeTo:   intVal(win.timeTo),
		Limit:    win.itemLimit,
	})
	if err != nil {
		writeServerError(w, err)
		return
	}
	writeResult(w, queryEcho{uuid, win.itemLimit, win.timeFrom, win.timeTo}, struct {
		NodeEvents []store.NodeEvent `json:"node_events"`
	}{events})
}

// getDeviceState dumps the device manager's live bookkeeping: the cached
// gateway views and the per-node records. Unlike the snapshot queries,
// this is current state rather than persisted history.
func (s *Server) getDeviceState(w http.ResponseWriter, _ *http.Request) {
	writeResult(w, struct{}{}, struct {
		Gateways []gwlink.GatewayInfo `json:"gateways"`
		Nodes    []devices.NodeRecord `json:"nodes"`
	}{s.devices.Gateways(), s.devices.Nodes()})
}

func (s *Server) putNodeCtrl(w http.ResponseWriter, r *http.Request) {
	nodeUUID := mux.Vars(r)["node_uuid"]

	var errs []FieldError
	ginrRate, ok := intParam(r, "tmp_ginr_poll_rate")
	if !ok {
		errs = append(errs, invalidRequest("Invalid GINR Poll rate.  Must be between 10 and 600."))
	}
	ginrTime, ok := intParam(r, "tmp_ginr_poll_time")
	if !ok {
		errs = append(errs, invalidRequest("Invalid GINR Poll time.  Must be between 10 and 3000."))
	}
	meterValue, ok := intParam(r, "meter_value")
	if !ok {
		errs = append(errs, invalidRequest("Invalid meter_value."))
	}
	meterInterval, ok := intParam(r, "meter_interval")
	if !ok {
		errs = append(errs, invalidRequest("Invalid meter_interval."))
	}
	ledRate, ok := intParam(r, "puck_led_rate")
	if !ok {
		errs = append(errs, invalidRequest("Invalid LED rate.  Must be between 0 and 255."))
	}
	ledTime, ok := intParam(r, "puck_led_time")
	if !ok {
		errs = append(errs, invalidRequest("Invalid LED time.  Must be between 0 and 3000ms."))
	}
	if len(errs) > 0 {
		writeBadRequest(w, errs)
		return
	}

	ops := 0
	if ginrRate != nil {
		ops++
	}
	if meterValue != nil {
		ops++
	}
	if meterInterval != nil {
		ops++
	}
	if ledRate != nil || ledTime != nil {
		ops++
	}
	if ops != 1 {
		errs = append(errs, invalidRequest("Invalid arguments - can only request one GINR poll rate/time, meter value, meter interval, or LED rate/time per request"))
	}

	// a rate without a duration gets the default polling period
	if ginrRate != nil && ginrTime == nil {
		def := int64(300)
		ginrTime = &def
	}
	if ginrRate != nil && (*ginrRate < 10 || *ginrRate > 600) {
		errs = append(errs, invalidRequest("Invalid GINR Poll rate.  Must be between 10 and 600."))
	}
	if ginrRate != nil && (*ginrTime < 10 || *ginrTime > 3000) {
		errs = append(errs, invalidRequest("Invalid GINR Poll time.  Must be between 10 and 3000."))
	}
	if (ledRate != nil || ledTime != nil) && (ledRate == nil || ledTime == nil) {
		errs = append(errs, invalidRequest("Puck LED rate AND time must be specified"))
	}
	if ledRate != nil && (*ledRate < 0 || *ledRate > 255) {
		errs = append(errs, invalidRequest("Invalid LED rate.  Must be between 0 and 255."))
	}
	if ledTime != nil && (*ledTime < 0 || *ledTime > 3000) {
		errs = append(errs, invalidRequest("Invalid LED time.  Must be between 0 and 3000ms."))
	}
	if len(errs) > 0 {
		writeBadRequest(w, errs)
		return
	}

	var err error
	switch {
	case ginrRate != nil:
		err = s.devices.SetNodeGINRRate(nodeUUID, int(*ginrRate), int(*ginrTime))
	case meterValue != nil:
		err = s.devices.SetNodeMeterValue(nodeUUID, *meterValue)
	case meterInterval != nil:
		err = s.devices.SetNodeMeterInterval(nodeUUID, int(*meterInterval))
	default:
		err = s.devices.SetNodePuckLED(nodeUUID, int(*ledRate), int(*ledTime))
	}
	if err != nil {
		log.Warnf("Node control request rejected: %v", err)
		writeBadRequest(w, []FieldError{invalidRequest("Unknown node %s.", nodeUUID)})
		return
	}

	writeResult(w, struct {
		TmpGINRPollRate *int64 `json:"tmp_ginr_poll_rate"`
		TmpGINRPollTime *int64 `json:"tmp_ginr_poll_time"`
		MeterValue      *int64 `json:"meter_value"`
		MeterInterval   *int64 `json:"meter_interval"`
		PuckLEDRate     *int64 `json:"puck_led_rate"`
		PuckLEDTime     *int64 `json:"puck_led_time"`
	}{ginrRate, ginrTime, meterValue, meterInterval, ledRate, ledTime}, "request queued.")
}

func (s *Server) putMeterDataDelete(w http.ResponseWriter, r *http.Request) {
	uuid := pathUUID(r, "node_uuid")
	from, to, errs := parseTimeWindow(r)
	if uuid == nil {
		errs = append(errs, invalidRequest("Node UUID required."))
	}

	kind := r.URL.Query().Get("entry_kind")
	if kind == "" {
		kind = "all"
	}
	types, ok := meterdata.EntryKindTypes(kind)
	if !ok {
		errs = append(errs, invalidRequest("Invalid entry_kind.  Must be one of all, observed or synth."))
	}
	if len(errs) > 0 {
		writeBadRequest(w, errs)
		return
	}

	deleted, err := s.data.SoftDeleteMeterEntries(*uuid, intVal(from), orMaxTime(to), types)
	if err != nil {
		writeServerError(w, err)
		return
	}
	writeResult(w, struct {
		NodeUUID  string `json:"node_uuid"`
		TimeFrom  *int64 `json:"time_from"`
		TimeTo    *int64 `json:"time_to"`
		EntryKind string `json:"entry_kind"`
	}{*uuid, from, to, kind}, struct {
		EntriesDeleted int64 `json:"entries_deleted"`
	}{deleted})
}

// uploadEcho echoes a synthetic upload request.
type uploadEcho struct {
	NodeUUID    string `json:"node_uuid"`
	Operation   string `json:"operation"`
	RebaseFirst bool   `json:"rebase_first"`
	LiftLater   bool   `json:"lift_later"`
}

func (s *Server) putMeterDataUpload(w http.ResponseWriter, r *http.Request) {
	uuid := pathUUID(r, "node_uuid")
	if uuid == nil {
		writeBadRequest(w, []FieldError{invalidRequest("Node UUID required.")})
		return
	}

	switch operation := mux.Vars(r)["operation"]; operation {
	case "json":
		s.uploadJSON(w, r, *uuid)
	case "csv":
		s.uploadCSV(w, r, *uuid)
	case "generate":
		s.uploadGenerate(w, r, *uuid)
	default:
		writeBadRequest(w, []FieldError{invalidRequest("Invalid operation.  Must be one of json, csv or generate.")})
	}
}

// uploadJSON applies a synthetic entry batch supplied as a JSON document.
func (s *Server) uploadJSON(w http.ResponseWriter, r *http.Request, nodeUUID string) {
	var body struct {
		Entries     []meterdata.UpdateEntry `json:"entries"`
		RebaseFirst bool                    `json:"rebase_first"`
		LiftLater   bool                    `json:"lift_later"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeBadRequest(w, []FieldError{invalidRequest("Invalid JSON body: %v.", err)})
		return
	}
	echo := uploadEcho{nodeUUID, "json", body.RebaseFirst, body.LiftLater}
	s.applyUpload(w, nodeUUID, echo, body.Entries, body.RebaseFirst, body.LiftLater)
}

// uploadCSV applies a synthetic entry batch supplied as CSV lines of
// when_start,entry_value,entry_interval_length,meter_value.
func (s *Server) uploadCSV(w http.ResponseWriter, r *http.Request, nodeUUID string) {
	var errs []FieldError
	rebaseFirst, ok := boolParam(r, "rebase_first")
	if !ok {
		errs = append(errs, invalidRequest("Invalid rebase_first."))
	}
	liftLater, ok := boolParam(r, "lift_later")
	if !ok {
		errs = append(errs, invalidRequest("Invalid lift_later."))
	}
	if len(errs) > 0 {
		writeBadRequest(w, errs)
		return
	}

	entries, err := parseEntryCSV(r.Body)
	if err != nil {
		writeBadRequest(w, []FieldError{invalidRequest("Invalid CSV body: %v.", err)})
		return
	}
	echo := uploadEcho{nodeUUID, "csv", rebaseFirst, liftLater}
	s.applyUpload(w, nodeUUID, echo, entries, rebaseFirst, liftLater)
}

func parseEntryCSV(body io.Reader) ([]meterdata.UpdateEntry, error) {
	rd := csv.NewReader(body)
	rd.FieldsPerRecord = 4
	rd.TrimLeadingSpace = true

	var entries []meterdata.UpdateEntry
	for {
		rec, err := rd.Read()
		if errors.Is(err, io.EOF) {
			return entries, nil
		}
		if err != nil {
			return nil, err
		}
		var vals [4]int64
		for i, f := range rec {
			v, err := strconv.ParseInt(strings.TrimSpace(f), 10, 64)
			if err != nil {
				return nil, fmt.Errorf("line %d: %w", len(entries)+1, err)
			}
			vals[i] = v
		}
		entries = append(entries, meterdata.UpdateEntry{
			WhenStart:      vals[0],
			EntryValue:     vals[1],
			IntervalLength: vals[2],
			MeterValue:     vals[3],
		})
	}
}

// uploadGenerate synthesizes uniform-random entries over the window and
// applies them like an uploaded batch.
func (s *Server) uploadGenerate(w http.ResponseWriter, r *http.Request, nodeUUID string) {
	from, to, errs := parseTimeWindow(r)
	if from == nil || to == nil {
		errs = append(errs, invalidRequest("time_from and time_to are required for generate."))
	}

	interval, ok := intParam(r, "interval")
	if !ok || interval == nil || *interval <= 0 {
		errs = append(errs, invalidRequest("Invalid interval.  Must be a positive number of seconds."))
	}
	readMin, okMin := intParam(r, "read_min")
	readMax, okMax := intParam(r, "read_max")
	if !okMin || !okMax {
		errs = append(errs, invalidRequest("Invalid read_min/read_max."))
	}
	startValue, ok := intParam(r, "start_meter_value")
	if !ok {
		errs = append(errs, invalidRequest("Invalid start_meter_value."))
	}
	rebaseFirst, okR := boolParam(r, "rebase_first")
	liftLater, okL := boolParam(r, "lift_later")
	if !okR || !okL {
		errs = append(errs, invalidRequest("Invalid rebase_first/lift_later."))
	}

	lo := intVal(readMin)
	hi := int64(10)
	if readMax != nil {
		hi = *readMax
	}
	if hi < lo {
		errs = append(errs, invalidRequest("Invalid read_min/read_max.  read_max must be at least read_min."))
	}
	if len(errs) > 0 {
		writeBadRequest(w, errs)
		return
	}

	entries := meterdata.GenerateSynthEntries(*from, *to, *interval, lo, hi, intVal(startValue))
	echo := struct {
		uploadEcho
		TimeFrom        int64 `json:"time_from"`
		TimeTo          int64 `json:"time_to"`
		Interval        int64 `json:"interval"`
		ReadMin         int64 `json:"read_min"`
		ReadMax         int64 `json:"read_max"`
		StartMeterValue int64 `json:"start_meter_value"`
	}{uploadEcho{nodeUUID, "generate", rebaseFirst, liftLater}, *from, *to, *interval, lo, hi, intVal(startValue)}
	s.applyUpload(w, nodeUUID, echo, entries, rebaseFirst, liftLater)
}

// applyUpload runs the synthetic upsert and answers with the applied count.
func (s *Server) applyUpload(w http.ResponseWriter, nodeUUID string, echo interface{}, entries []meterdata.UpdateEntry, rebaseFirst, liftLater bool) {
	if len(entries) == 0 {
		writeBadRequest(w, []FieldError{invalidRequest("No meter entries supplied.")})
		return
	}
	if err := s.data.UpsertSynthMeterUpdates(nodeUUID, entries, rebaseFirst, liftLater); err != nil {
		writeServerError(w, err)
		return
	}
	log.Infof("Upserted %d synthetic meter entries for node %s", len(entries), nodeUUID)
	writeResult(w, echo, struct {
		EntriesUpserted int `json:"entries_upserted"`
	}{len(entries)})
}

// pathUUID returns the path's uuid selector; the all/* wildcards return
// nil, selecting every device.
func pathUUID(r *http.Request, name string) *string {
	v := mux.Vars(r)[name]
	if lower := strings.ToLower(v); lower == "all" || lower == "*" {
		return nil
	}
	return &v
}

func writeJSON(w http.ResponseWriter, code int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Errorf("Failed to write API response: %v", err)
	}
}

func writeResult(w http.ResponseWriter, request, result interface{}) {
	writeJSON(w, http.StatusOK, envelope{Request: request, Result: result})
}

func writeBadRequest(w http.ResponseWriter, errs []FieldError) {
	writeJSON(w, http.StatusBadRequest, struct {
		Status string       `json:"status"`
		Errors []FieldError `json:"errors"`
	}{"Bad Request", errs})
}

func writeUnauthorized(w http.ResponseWriter) {
	writeJSON(w, http.StatusForbidden, struct {
		Error string `json:"error"`
	}{"Unauthorized access"})
}

func writeServerError(w http.ResponseWriter, err error) {
	log.Errorf("API request failed: %v", err)
	writeJSON(w, http.StatusInternalServerError, struct {
		Error string `json:"error"`
	}{"Internal server error"})
}
