package server

import (
	"context"
	"encoding/json"
	"time"

	"marathon-engine/src/cache"
	"marathon-engine/src/models"
)

// -----------------------------------------------------------------------------
// Hub Pattern Implementation
// -----------------------------------------------------------------------------

// All maps below are owned by runHub: every mutation of subscription state,
// reference counts, pending batches and timers happens on this goroutine, so
// ordering within a handler is all the synchronization the hub needs.

const resolveTTL = 60 * time.Second

type participantEntry struct {
	p  *models.MParticipant
	at time.Time
}

type loginEntry struct {
	p  *models.MParticipant
	at time.Time
}

type marathonEntry struct {
	m  *models.MMarathon
	at time.Time
}

// -----------------------------------------------------------------------------

// runHub is the main hub loop.
func (s *LiveServer) runHub() {
	for {
		select {
		case client := <-s.register:
			s.clients[client] = struct{}{}
			s.Logger.Info("Client %s connected (user %d)", client.id, client.userID)

		case client := <-s.unregister:
			s.teardownClient(client)
			close(client.send)

		case cmd := <-s.commands:
			s.handleCommand(cmd.client, cmd.cmd)

		case event := <-s.updates:
			s.handleUpdate(event)

		case marathonID := <-s.flush:
			s.flushMarathon(marathonID)

		case reply := <-s.statsReq:
			reply <- s.buildStats()

		case <-s.stop:
			for _, timer := range s.timers {
				timer.Stop()
			}
			return
		}
	}
}

// -----------------------------------------------------------------------------
// Command dispatch
// -----------------------------------------------------------------------------

func (s *LiveServer) handleCommand(client *Client, cmd models.MClientCommand) {
	if _, ok := s.clients[client]; !ok {
		return
	}

	switch cmd.Command {
	case models.CmdSubscribeMarathon:
		s.subscribeMarathon(client, cmd.MarathonID)
	case models.CmdUnsubscribeMarathon:
		s.unsubscribeMarathon(client, cmd.MarathonID)
	case models.CmdSubscribeParticipant:
		s.subscribeParticipant(client, cmd.ParticipantID)
	case models.CmdUnsubscribeParticipant:
		s.unsubscribeParticipant(client, cmd.ParticipantID)
	case models.CmdSubscribeSelf:
		s.subscribeSelf(client, cmd.MarathonID)
	case models.CmdUnsubscribeSelf:
		s.unsubscribeSelf(client, cmd.MarathonID)
	default:
		client.trySend(models.MServerEvent{
			Event: models.EventError,
			Data:  models.MErrorEvent{Message: "unknown command: " + cmd.Command},
		})
	}
}

// -----------------------------------------------------------------------------
// Marathon subscriptions
// -----------------------------------------------------------------------------

func (s *LiveServer) subscribeMarathon(client *Client, marathonID int64) {
	ack := models.MServerEvent{
		Event: models.EventSubscribed,
		Data:  models.MSubscriptionAck{Type: "marathon", MarathonID: marathonID},
	}

	if _, ok := client.marathons[marathonID]; ok {
		client.trySend(ack)
		return
	}

	client.marathons[marathonID] = struct{}{}
	s.marathonRefs[marathonID]++
	if s.marathonRefs[marathonID] == 1 {
		s.acquireUpstream(marathonID)
	}

	client.trySend(ack)

	// One-shot current state for the new subscriber, not diffed.
	if state := s.marathonState(marathonID); state != nil {
		client.trySend(models.MServerEvent{
			Event: models.EventMarathonParticipantsUpdate,
			Data:  state,
		})
	}
}

// -----------------------------------------------------------------------------

func (s *LiveServer) unsubscribeMarathon(client *Client, marathonID int64) {
	if _, ok := client.marathons[marathonID]; !ok {
		return
	}
	delete(client.marathons, marathonID)
	s.releaseMarathonRef(marathonID)

	client.trySend(models.MServerEvent{
		Event: models.EventUnsubscribed,
		Data:  models.MSubscriptionAck{Type: "marathon", MarathonID: marathonID},
	})
}

// -----------------------------------------------------------------------------

func (s *LiveServer) releaseMarathonRef(marathonID int64) {
	s.marathonRefs[marathonID]--
	if s.marathonRefs[marathonID] > 0 {
		return
	}
	delete(s.marathonRefs, marathonID)

	// Last marathon-level viewer gone: no point flushing an orphaned batch.
	if timer, ok := s.timers[marathonID]; ok {
		timer.Stop()
		delete(s.timers, marathonID)
	}
	delete(s.pending, marathonID)

	s.releaseUpstream(marathonID)
}

// -----------------------------------------------------------------------------

// marathonState assembles the full balance/equity/profit state of a marathon.
func (s *LiveServer) marathonState(marathonID int64) *models.MMarathonState {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	roster, err := s.Participants.ActiveByMarathon(ctx, marathonID)
	if err != nil {
		s.Logger.Error("Initial state load failed for marathon %d: %v", marathonID, err)
		return nil
	}

	snapshots := s.Cache.GetAllSnapshots()
	now := time.Now().UnixMilli()

	state := &models.MMarathonState{MarathonID: marathonID}
	for _, p := range roster {
		snap, ok := snapshots[p.AccountLogin]
		if !ok {
			continue
		}
		state.Participants = append(state.Participants, models.MParticipantState{
			ParticipantID: p.ID,
			Balance:       snap.Balance,
			Equity:        snap.Equity,
			Profit:        snap.Profit,
			Timestamp:     now,
		})
	}
	return state
}

// -----------------------------------------------------------------------------
// Participant subscriptions
// -----------------------------------------------------------------------------

func (s *LiveServer) subscribeParticipant(client *Client, participantID int64) {
	ack := models.MServerEvent{
		Event: models.EventSubscribed,
		Data:  models.MSubscriptionAck{Type: "participant", ParticipantID: participantID},
	}

	if _, ok := client.participants[participantID]; ok {
		client.trySend(ack)
		return
	}

	p := s.resolveParticipantByID(participantID)
	if p == nil {
		client.trySend(models.MServerEvent{
			Event: models.EventError,
			Data:  models.MErrorEvent{Message: "unknown participant"},
		})
		return
	}

	client.participants[participantID] = struct{}{}
	s.participantRefs[participantID]++
	if s.participantRefs[participantID] == 1 {
		s.acquireUpstream(p.MarathonID)
	}

	client.trySend(ack)

	// Immediate analysis for the new subscriber.
	if payload := s.buildAnalysis(p); payload != nil {
		client.trySend(models.MServerEvent{
			Event: models.EventParticipantAnalysis,
			Data:  models.MAnalysisEvent{ParticipantID: participantID, Data: payload},
		})
	}
}

// -----------------------------------------------------------------------------

func (s *LiveServer) unsubscribeParticipant(client *Client, participantID int64) {
	if _, ok := client.participants[participantID]; !ok {
		return
	}
	delete(client.participants, participantID)
	s.releaseParticipantRef(participantID)

	client.trySend(models.MServerEvent{
		Event: models.EventUnsubscribed,
		Data:  models.MSubscriptionAck{Type: "participant", ParticipantID: participantID},
	})
}

// -----------------------------------------------------------------------------

func (s *LiveServer) releaseParticipantRef(participantID int64) {
	s.participantRefs[participantID]--
	if s.participantRefs[participantID] > 0 {
		return
	}
	delete(s.participantRefs, participantID)

	if p := s.resolveParticipantByID(participantID); p != nil {
		s.releaseUpstream(p.MarathonID)
	}
}

// -----------------------------------------------------------------------------
// Self-view subscriptions
// -----------------------------------------------------------------------------

func (s *LiveServer) subscribeSelf(client *Client, marathonID int64) {
	if pid, ok := client.selfViews[marathonID]; ok {
		client.trySend(models.MServerEvent{
			Event: models.EventSubscribed,
			Data:  models.MSubscriptionAck{Type: "self", MarathonID: marathonID, ParticipantID: pid},
		})
		return
	}

	// Authorization at the data level: the viewer must already be an active
	// participant of this marathon.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	p, err := s.Participants.GetByUserAndMarathon(ctx, client.userID, marathonID)
	cancel()
	if err != nil {
		s.Logger.Error("Self-view lookup failed for user %d: %v", client.userID, err)
	}
	if p == nil || p.Status != models.ParticipantActive || !p.IsActive {
		client.trySend(models.MServerEvent{
			Event: models.EventError,
			Data:  models.MErrorEvent{Message: "not an active participant of this marathon"},
		})
		return
	}
	s.participantIndex[p.ID] = participantEntry{p: p, at: time.Now()}
	s.loginIndex[p.AccountLogin] = loginEntry{p: p, at: time.Now()}

	client.selfViews[marathonID] = p.ID
	s.selfViewRefs[p.ID]++
	if s.selfViewRefs[p.ID] == 1 {
		s.acquireUpstream(marathonID)
	}

	client.trySend(models.MServerEvent{
		Event: models.EventSubscribed,
		Data:  models.MSubscriptionAck{Type: "self", MarathonID: marathonID, ParticipantID: p.ID},
	})

	if payload := s.buildAnalysis(p); payload != nil {
		client.trySend(models.MServerEvent{
			Event: models.EventMyLiveAnalysis,
			Data:  models.MAnalysisEvent{ParticipantID: p.ID, Data: payload},
		})
	}

	// Current positions/orders, if the cache has them.
	if snap, ok := s.Cache.GetSnapshot(p.AccountLogin); ok {
		now := time.Now().UnixMilli()
		if snap.Positions != nil {
			client.trySend(models.MServerEvent{
				Event: models.EventMyLivePositionsUpdate,
				Data: models.MArraysUpdate{
					MarathonID: marathonID, ParticipantID: p.ID,
					Positions: snap.Positions, Timestamp: now,
				},
			})
		}
		if snap.Orders != nil {
			client.trySend(models.MServerEvent{
				Event: models.EventMyLiveOrdersUpdate,
				Data: models.MArraysUpdate{
					MarathonID: marathonID, ParticipantID: p.ID,
					Orders: snap.Orders, Timestamp: now,
				},
			})
		}
		s.arrays[p.ID] = arrayState{
			positions: marshalArray(snap.Positions),
			orders:    marshalArray(snap.Orders),
		}
	}
}

// -----------------------------------------------------------------------------

func (s *LiveServer) unsubscribeSelf(client *Client, marathonID int64) {
	pid, ok := client.selfViews[marathonID]
	if !ok {
		return
	}
	delete(client.selfViews, marathonID)
	s.releaseSelfViewRef(pid, marathonID)

	client.trySend(models.MServerEvent{
		Event: models.EventUnsubscribed,
		Data:  models.MSubscriptionAck{Type: "self", MarathonID: marathonID, ParticipantID: pid},
	})
}

// -----------------------------------------------------------------------------

func (s *LiveServer) releaseSelfViewRef(participantID, marathonID int64) {
	s.selfViewRefs[participantID]--
	if s.selfViewRefs[participantID] > 0 {
		return
	}
	delete(s.selfViewRefs, participantID)
	delete(s.arrays, participantID)
	s.releaseUpstream(marathonID)
}

// -----------------------------------------------------------------------------
// Upstream demand tracking
// -----------------------------------------------------------------------------

// acquireUpstream records one interest source for a marathon. Consumption of
// the broker feed is demand-driven: the first interest of any kind starts it.
func (s *LiveServer) acquireUpstream(marathonID int64) {
	if len(s.upstreamRefs) == 0 {
		if err := s.Cache.StartConsuming(); err != nil {
			s.Logger.Error("Failed to start upstream consumption: %v", err)
		}
	}
	s.upstreamRefs[marathonID]++
}

// -----------------------------------------------------------------------------

func (s *LiveServer) releaseUpstream(marathonID int64) {
	s.upstreamRefs[marathonID]--
	if s.upstreamRefs[marathonID] <= 0 {
		delete(s.upstreamRefs, marathonID)
	}
	if len(s.upstreamRefs) == 0 {
		s.Cache.StopConsuming()
	}
}

// -----------------------------------------------------------------------------
// Update propagation
// -----------------------------------------------------------------------------

func (s *LiveServer) handleUpdate(event cache.UpdateEvent) {
	p := s.resolveParticipantByLogin(event.Login)
	if p == nil {
		return
	}

	// Marathon-level: enqueue into the pending batch only when a vital changed.
	if s.marathonRefs[p.MarathonID] > 0 {
		current := vitals{
			balance: event.Snapshot.Balance,
			equity:  event.Snapshot.Equity,
			profit:  event.Snapshot.Profit,
		}
		if last, ok := s.lastSent[p.ID]; !ok || last != current {
			batch, ok := s.pending[p.MarathonID]
			if !ok {
				batch = make(map[int64]struct{})
				s.pending[p.MarathonID] = batch
			}
			batch[p.ID] = struct{}{}

			if _, running := s.timers[p.MarathonID]; !running {
				marathonID := p.MarathonID
				window := time.Duration(s.Config.Hub.BatchWindowMS) * time.Millisecond
				s.timers[marathonID] = time.AfterFunc(window, func() {
					s.flush <- marathonID
				})
			}
		}
	}

	// Direct subscribers get a fresh full analysis (short-TTL cached).
	if s.participantRefs[p.ID] > 0 || s.selfViewRefs[p.ID] > 0 {
		if payload := s.buildAnalysis(p); payload != nil {
			if s.participantRefs[p.ID] > 0 {
				s.emitToParticipantSubs(p.ID, models.MServerEvent{
					Event: models.EventParticipantAnalysis,
					Data:  models.MAnalysisEvent{ParticipantID: p.ID, Data: payload},
				})
			}
			if s.selfViewRefs[p.ID] > 0 {
				s.emitToSelfOwners(p.MarathonID, p.ID, models.MServerEvent{
					Event: models.EventMyLiveAnalysis,
					Data:  models.MAnalysisEvent{ParticipantID: p.ID, Data: payload},
				})
			}
		}
	}

	// Self-view array notifications: full-value comparison, not diffed.
	if s.selfViewRefs[p.ID] > 0 {
		s.notifyArrayChanges(p, event.Snapshot)
	}
}

// -----------------------------------------------------------------------------

func (s *LiveServer) notifyArrayChanges(p *models.MParticipant, snap models.MAccountSnapshot) {
	state := s.arrays[p.ID]
	now := time.Now().UnixMilli()

	if posJSON := marshalArray(snap.Positions); posJSON != state.positions {
		state.positions = posJSON
		s.emitToSelfOwners(p.MarathonID, p.ID, models.MServerEvent{
			Event: models.EventMyLivePositionsUpdate,
			Data: models.MArraysUpdate{
				MarathonID: p.MarathonID, ParticipantID: p.ID,
				Positions: snap.Positions, Timestamp: now,
			},
		})
	}

	if ordJSON := marshalArray(snap.Orders); ordJSON != state.orders {
		state.orders = ordJSON
		s.emitToSelfOwners(p.MarathonID, p.ID, models.MServerEvent{
			Event: models.EventMyLiveOrdersUpdate,
			Data: models.MArraysUpdate{
				MarathonID: p.MarathonID, ParticipantID: p.ID,
				Orders: snap.Orders, Timestamp: now,
			},
		})
	}

	s.arrays[p.ID] = state
}

// -----------------------------------------------------------------------------

func marshalArray(arr []map[string]interface{}) string {
	if arr == nil {
		return ""
	}
	data, err := json.Marshal(arr)
	if err != nil {
		return ""
	}
	return string(data)
}

// -----------------------------------------------------------------------------
// Batch flush
// -----------------------------------------------------------------------------

// flushMarathon emits one diff-only update for every participant queued in
// the marathon's batch window, then clears the batch.
func (s *LiveServer) flushMarathon(marathonID int64) {
	delete(s.timers, marathonID)

	batch := s.pending[marathonID]
	delete(s.pending, marathonID)

	if len(batch) == 0 || s.marathonRefs[marathonID] == 0 {
		return
	}

	now := time.Now().UnixMilli()
	update := models.MMarathonUpdate{MarathonID: marathonID}

	for participantID := range batch {
		p := s.resolveParticipantByID(participantID)
		if p == nil {
			continue
		}
		snap, ok := s.Cache.GetSnapshot(p.AccountLogin)
		if !ok {
			continue
		}

		current := vitals{balance: snap.Balance, equity: snap.Equity, profit: snap.Profit}
		previous, had := s.lastSent[participantID]

		diff := models.MParticipantDiff{ParticipantID: participantID, Timestamp: now}
		changed := false
		if !had || current.balance != previous.balance {
			v := current.balance
			diff.Balance = &v
			changed = true
		}
		if !had || current.equity != previous.equity {
			v := current.equity
			diff.Equity = &v
			changed = true
		}
		if !had || current.profit != previous.profit {
			v := current.profit
			diff.Profit = &v
			changed = true
		}
		if !changed {
			continue
		}

		s.lastSent[participantID] = current
		update.Participants = append(update.Participants, diff)
	}

	if len(update.Participants) == 0 {
		return
	}

	s.emitToMarathonSubs(marathonID, models.MServerEvent{
		Event: models.EventMarathonParticipantsUpdate,
		Data:  update,
	})
}

// -----------------------------------------------------------------------------
// Emission
// -----------------------------------------------------------------------------

func (s *LiveServer) emitToMarathonSubs(marathonID int64, event models.MServerEvent) {
	for client := range s.clients {
		if _, ok := client.marathons[marathonID]; ok {
			s.deliver(client, event)
		}
	}
}

// -----------------------------------------------------------------------------

func (s *LiveServer) emitToParticipantSubs(participantID int64, event models.MServerEvent) {
	for client := range s.clients {
		if _, ok := client.participants[participantID]; ok {
			s.deliver(client, event)
		}
	}
}

// -----------------------------------------------------------------------------

// emitToSelfOwners is restricted to viewers holding the self-view for this
// participant, which by construction is its owner.
func (s *LiveServer) emitToSelfOwners(marathonID, participantID int64, event models.MServerEvent) {
	for client := range s.clients {
		if pid, ok := client.selfViews[marathonID]; ok && pid == participantID {
			s.deliver(client, event)
		}
	}
}

// -----------------------------------------------------------------------------

func (s *LiveServer) deliver(client *Client, event models.MServerEvent) {
	select {
	case client.send <- event:
		// Delivered
	default:
		// Client too slow, disconnect to prevent the hub from blocking.
		s.Logger.Warning("Client %s too slow, dropping", client.id)
		s.teardownClient(client)
		if client.conn != nil {
			client.conn.Close()
		}
	}
}

// -----------------------------------------------------------------------------
// Teardown
// -----------------------------------------------------------------------------

// teardownClient releases every subscription the viewer held. Each entry
// triggers a reference-count decrement, mirroring subscribe.
func (s *LiveServer) teardownClient(client *Client) {
	if _, ok := s.clients[client]; !ok {
		return
	}
	delete(s.clients, client)

	for marathonID := range client.marathons {
		s.releaseMarathonRef(marathonID)
	}
	client.marathons = make(map[int64]struct{})

	for participantID := range client.participants {
		s.releaseParticipantRef(participantID)
	}
	client.participants = make(map[int64]struct{})

	for marathonID, participantID := range client.selfViews {
		s.releaseSelfViewRef(participantID, marathonID)
	}
	client.selfViews = make(map[int64]int64)
}

// -----------------------------------------------------------------------------
// Resolution caches
// -----------------------------------------------------------------------------

func (s *LiveServer) resolveParticipantByID(participantID int64) *models.MParticipant {
	if entry, ok := s.participantIndex[participantID]; ok && time.Since(entry.at) < resolveTTL {
		return entry.p
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	p, err := s.Participants.GetByID(ctx, participantID)
	if err != nil {
		s.Logger.Error("Participant %d lookup failed: %v", participantID, err)
		return nil
	}
	s.participantIndex[participantID] = participantEntry{p: p, at: time.Now()}
	if p != nil {
		s.loginIndex[p.AccountLogin] = loginEntry{p: p, at: time.Now()}
	}
	return p
}

// -----------------------------------------------------------------------------

func (s *LiveServer) resolveParticipantByLogin(login string) *models.MParticipant {
	if entry, ok := s.loginIndex[login]; ok && time.Since(entry.at) < resolveTTL {
		return entry.p
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	p, err := s.Participants.GetByAccountLogin(ctx, login)
	if err != nil {
		s.Logger.Error("Login %s lookup failed: %v", login, err)
		return nil
	}
	// Negative entries are cached too: most telemetry logins are not enrolled.
	s.loginIndex[login] = loginEntry{p: p, at: time.Now()}
	if p != nil {
		s.participantIndex[p.ID] = participantEntry{p: p, at: time.Now()}
	}
	return p
}

// -----------------------------------------------------------------------------

func (s *LiveServer) resolveMarathon(marathonID int64) *models.MMarathon {
	if entry, ok := s.marathonIndex[marathonID]; ok && time.Since(entry.at) < resolveTTL {
		return entry.m
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	m, err := s.Marathons.GetByID(ctx, marathonID)
	if err != nil {
		s.Logger.Error("Marathon %d lookup failed: %v", marathonID, err)
		return nil
	}
	s.marathonIndex[marathonID] = marathonEntry{m: m, at: time.Now()}
	return m
}

// -----------------------------------------------------------------------------

func (s *LiveServer) buildAnalysis(p *models.MParticipant) *models.MAnalysis {
	m := s.resolveMarathon(p.MarathonID)
	if m == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	payload, err := s.Analyzer.ParticipantAnalysis(ctx, p, m)
	if err != nil {
		s.Logger.Error("Analysis failed for participant %d: %v", p.ID, err)
		return nil
	}
	return payload
}

// -----------------------------------------------------------------------------
// Introspection
// -----------------------------------------------------------------------------

func (s *LiveServer) buildStats() MHubStats {
	pendingTotal := 0
	for _, batch := range s.pending {
		pendingTotal += len(batch)
	}

	marathonSubs := 0
	for _, n := range s.marathonRefs {
		marathonSubs += n
	}
	participantSubs := 0
	for _, n := range s.participantRefs {
		participantSubs += n
	}
	selfSubs := 0
	for _, n := range s.selfViewRefs {
		selfSubs += n
	}

	return MHubStats{
		ConnectedClients:      len(s.clients),
		MarathonSubscriptions: marathonSubs,
		ParticipantSubs:       participantSubs,
		SelfViewSubscriptions: selfSubs,
		ConsumingUpstream:     s.Cache.Consuming(),
		PendingBatchedUpdates: pendingTotal,
		InterestedMarathonIDs: len(s.upstreamRefs),
	}
}
