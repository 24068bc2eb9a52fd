package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/holesch/not-my-board/internal/apperr"
	"github.com/holesch/not-my-board/internal/config"
)

// attachReadyTimeout bounds how long Attach and Update wait for every
// tunnel in a batch to become ready before giving up.
const attachReadyTimeout = 30 * time.Second

// Reservation is one held place: the matched place, the tunnels the
// current import description maps to, and, once attached, the live
// tunnel handles serving them.
type Reservation struct {
	Name    string
	PlaceID int
	Place   Place
	Desc    *config.ImportDescription
	RawTOML string

	Tunnels map[string]TunnelDesc

	Attached bool
	Open     map[string]*openTunnel

	autoReturn *time.Timer
}

// buildAllTunnels expands every imported part's matched assignment into
// its full TunnelDesc set.
func buildAllTunnels(place Place, parts map[string]config.ImportedPartConfig, assignment map[string]int, loopbackHost string) []TunnelDesc {
	var all []TunnelDesc
	for name, imp := range parts {
		idx, ok := assignment[name]
		if !ok || idx < 0 || idx >= len(place.Parts) {
			continue
		}
		all = append(all, buildTunnels(name, imp, place.Parts[idx], loopbackHost)...)
	}
	return all
}

// ReservationStatus is the status()/list() wire shape for one reservation.
type ReservationStatus struct {
	Name     string `json:"name"`
	PlaceID  int    `json:"place_id"`
	Attached bool   `json:"attached"`
}

// Reserve implements spec.md §4.6's reserve operation: fetch the live
// catalog, narrow it to places matching desc, ask the hub to reserve one
// of the candidates, match the granted place's parts against desc again
// to fix the assignment, and arm the auto-return timer.
func (a *Agent) Reserve(ctx context.Context, name string, desc *config.ImportDescription, rawTOML string) error {
	unlock := a.lockName(name)
	defer unlock()

	if _, err := a.getReservation(name); err == nil {
		return apperr.AlreadyReserved(name)
	}

	places, err := fetchPlaces(ctx, a.client, a.hubURL)
	if err != nil {
		return err
	}

	candidates := candidatePlaces(places, desc)
	if len(candidates) == 0 {
		return apperr.NoMatchingPlace()
	}

	result, err := a.channel.Call(ctx, "reserve", nil, map[string]interface{}{"candidate_ids": candidates})
	if err != nil {
		return err
	}
	var reply struct {
		PlaceID int `json:"place_id"`
	}
	if err := json.Unmarshal(result, &reply); err != nil {
		return fmt.Errorf("decoding reserve reply: %w", err)
	}

	var place Place
	found := false
	for _, p := range places {
		if p.ID == reply.PlaceID {
			place, found = p, true
			break
		}
	}
	if !found {
		return apperr.Internal(fmt.Errorf("hub granted unknown place id %d", reply.PlaceID))
	}

	assignment, ok := matchPlace(place, desc.Parts)
	if !ok {
		return apperr.NoMatchingPlace()
	}

	tunnels := buildAllTunnels(place, desc.Parts, assignment, a.hubHost)

	autoReturn, err := config.ParseAutoReturnTime(desc.AutoReturnTime)
	if err != nil {
		return err
	}

	res := &Reservation{
		Name:    name,
		PlaceID: place.ID,
		Place:   place,
		Desc:    desc,
		RawTOML: rawTOML,
		Tunnels: tunnelSet(tunnels),
		Open:    map[string]*openTunnel{},
	}

	a.mu.Lock()
	a.reservations[name] = res
	a.mu.Unlock()

	a.armAutoReturn(res, autoReturn)
	return nil
}

// Attach implements spec.md §4.6's attach operation: open every tunnel
// concurrently, and on any failure close whatever was already opened.
func (a *Agent) Attach(ctx context.Context, name string) error {
	unlock := a.lockName(name)
	defer unlock()

	res, err := a.getReservation(name)
	if err != nil {
		return err
	}
	return a.attachLocked(ctx, res)
}

func (a *Agent) attachLocked(ctx context.Context, res *Reservation) error {
	if res.Attached {
		return apperr.AlreadyAttached(res.Name)
	}

	dialer := &tunnelDialer{client: a.client, place: res.Place}
	opened := map[string]*openTunnel{}
	var openedList []*openTunnel

	for key, t := range res.Tunnels {
		ot, err := a.openOne(ctx, t, dialer)
		if err != nil {
			for _, o := range openedList {
				o.close()
			}
			return err
		}
		opened[key] = ot
		openedList = append(openedList, ot)
	}

	if err := waitReady(ctx, openedList, attachReadyTimeout); err != nil {
		for _, o := range openedList {
			o.close()
		}
		return err
	}

	res.Open = opened
	res.Attached = true
	return nil
}

func (a *Agent) openOne(ctx context.Context, t TunnelDesc, dialer *tunnelDialer) (*openTunnel, error) {
	switch t.Kind {
	case TunnelUSB:
		return openUSBTunnel(ctx, t, dialer, a.kernel, a.topology), nil
	case TunnelTCP:
		return openTCPTunnel(ctx, t, dialer)
	default:
		return nil, apperr.Internal(fmt.Errorf("unknown tunnel kind for %s", t.Key))
	}
}

// Detach implements spec.md §4.6's detach operation.
func (a *Agent) Detach(ctx context.Context, name string) error {
	unlock := a.lockName(name)
	defer unlock()

	res, err := a.getReservation(name)
	if err != nil {
		return err
	}
	return a.detachLocked(res)
}

func (a *Agent) detachLocked(res *Reservation) error {
	if !res.Attached {
		return apperr.NotAttached(res.Name)
	}
	for _, ot := range res.Open {
		ot.close()
	}
	res.Open = map[string]*openTunnel{}
	res.Attached = false
	return nil
}

// Return implements spec.md §4.6's return_reservation operation. With
// force it detaches first instead of failing on a still-attached
// reservation.
func (a *Agent) Return(ctx context.Context, name string, force bool) error {
	unlock := a.lockName(name)
	defer unlock()

	res, err := a.getReservation(name)
	if err != nil {
		return err
	}
	if res.Attached {
		if !force {
			return apperr.StillAttached(name)
		}
		_ = a.detachLocked(res)
	}
	return a.returnLocked(ctx, res)
}

func (a *Agent) returnLocked(ctx context.Context, res *Reservation) error {
	if res.autoReturn != nil {
		res.autoReturn.Stop()
	}
	_, err := a.channel.Call(ctx, "return_reservation", nil, map[string]interface{}{"place_id": res.PlaceID})
	if err != nil {
		return err
	}
	a.mu.Lock()
	delete(a.reservations, res.Name)
	a.mu.Unlock()
	return nil
}

// Update implements spec.md §4.6's update operation: re-match the new
// description against the currently reserved place only, diff the
// resulting tunnel set against the live one, and apply only the
// difference, rolling back on failure so a partial update never leaves a
// reservation in a worse state than before the call.
func (a *Agent) Update(ctx context.Context, name string, newDesc *config.ImportDescription, rawTOML string) error {
	unlock := a.lockName(name)
	defer unlock()

	res, err := a.getReservation(name)
	if err != nil {
		return err
	}

	assignment, ok := matchPlace(res.Place, newDesc.Parts)
	if !ok {
		return apperr.NoMatchingPlace()
	}

	newTunnels := buildAllTunnels(res.Place, newDesc.Parts, assignment, a.hubHost)
	newSet := tunnelSet(newTunnels)
	removed, added := diffTunnels(res.Tunnels, newSet)

	autoReturn, err := config.ParseAutoReturnTime(newDesc.AutoReturnTime)
	if err != nil {
		return err
	}

	if res.Attached {
		if err := a.applyTunnelDiff(ctx, res, removed, added); err != nil {
			return err
		}
	}

	res.Desc = newDesc
	res.RawTOML = rawTOML
	res.Tunnels = newSet

	if res.autoReturn != nil {
		res.autoReturn.Stop()
	}
	a.armAutoReturn(res, autoReturn)

	return nil
}

// applyTunnelDiff closes removed, opens added, and on any failure reopens
// removed to restore res.Open to what it held before the call.
func (a *Agent) applyTunnelDiff(ctx context.Context, res *Reservation, removed, added []TunnelDesc) error {
	dialer := &tunnelDialer{client: a.client, place: res.Place}

	for _, t := range removed {
		if ot, ok := res.Open[t.Key]; ok {
			ot.close()
			delete(res.Open, t.Key)
		}
	}

	var newlyOpened []*openTunnel
	var openErr error
	for _, t := range added {
		ot, err := a.openOne(ctx, t, dialer)
		if err != nil {
			openErr = err
			break
		}
		res.Open[t.Key] = ot
		newlyOpened = append(newlyOpened, ot)
	}
	if openErr == nil {
		openErr = waitReady(ctx, newlyOpened, attachReadyTimeout)
	}
	if openErr == nil {
		return nil
	}

	for _, ot := range newlyOpened {
		ot.close()
	}
	for _, t := range added {
		delete(res.Open, t.Key)
	}
	for _, t := range removed {
		if ot, err := a.openOne(ctx, t, dialer); err == nil {
			res.Open[t.Key] = ot
		}
	}
	return openErr
}

// GetImportDescription returns the raw TOML a reservation was last
// created or updated with.
func (a *Agent) GetImportDescription(name string) (string, error) {
	res, err := a.getReservation(name)
	if err != nil {
		return "", err
	}
	return res.RawTOML, nil
}

// List returns every currently held reservation's name.
func (a *Agent) List() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	names := make([]string, 0, len(a.reservations))
	for name := range a.reservations {
		names = append(names, name)
	}
	return names
}

// Status returns a snapshot of every currently held reservation.
func (a *Agent) Status() []ReservationStatus {
	a.mu.Lock()
	defer a.mu.Unlock()
	statuses := make([]ReservationStatus, 0, len(a.reservations))
	for _, res := range a.reservations {
		statuses = append(statuses, ReservationStatus{Name: res.Name, PlaceID: res.PlaceID, Attached: res.Attached})
	}
	return statuses
}

func (a *Agent) getReservation(name string) (*Reservation, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	res, ok := a.reservations[name]
	if !ok {
		return nil, apperr.NotReserved(name)
	}
	return res, nil
}

// armAutoReturn schedules autoReturnFire after d, unless d is zero
// (auto-return disabled for this reservation, per spec.md §4.6).
func (a *Agent) armAutoReturn(res *Reservation, d time.Duration) {
	if d <= 0 {
		res.autoReturn = nil
		return
	}
	res.autoReturn = time.AfterFunc(d, func() { a.autoReturnFire(res.Name) })
}

// autoReturnFire detaches (if attached) and returns a reservation whose
// auto-return timer elapsed. Failures are logged, not propagated: nothing
// is waiting on this call's outcome.
func (a *Agent) autoReturnFire(name string) {
	unlock := a.lockName(name)
	defer unlock()

	res, err := a.getReservation(name)
	if err != nil {
		return
	}

	ctx := context.Background()
	if res.Attached {
		if err := a.detachLocked(res); err != nil {
			a.log.Warn().Err(err).Str("name", name).Msg("auto-return: detach failed")
		}
	}
	if err := a.returnLocked(ctx, res); err != nil {
		a.log.Warn().Err(err).Str("name", name).Msg("auto-return: return_reservation failed")
	}
}
