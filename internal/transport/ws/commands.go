package ws

import (
	"errors"
	"time"

	"gridholm.gg/internal/protocol"
	"gridholm.gg/internal/sim/realm"
)

// dispatchCmd runs one CMD against the realm and shapes the RESULT.
// Realm errors keep their code; anything unexpected maps to E_INTERNAL.
func (s *Server) dispatchCmd(sess *session, cmd protocol.CmdMsg, now time.Time) protocol.ResultMsg {
	if cmd.ProtocolVersion != protocol.Version {
		return protoErr(cmd.ReqID, cmd.Op, "unsupported protocol_version")
	}
	rl := s.tun.RateLimits
	if !sess.cmdGate.allow(now, rl.CmdMax, time.Duration(rl.CmdWindowSeconds)*time.Second) {
		return resultCode(cmd.ReqID, cmd.Op, protocol.ErrRateLimit, "command rate exceeded")
	}
	pid := sess.playerID

	switch cmd.Op {
	case protocol.OpVillageState:
		view, err := s.realm.VillageState(pid, cmd.VillageID, now)
		if err != nil {
			return resultErr(cmd.ReqID, cmd.Op, err)
		}
		return resultOK(cmd.ReqID, cmd.Op, view)

	case protocol.OpUpgradeBuilding:
		job, err := s.realm.UpgradeBuilding(pid, cmd.VillageID, cmd.Slot, cmd.BuildingID, now)
		if err != nil {
			return resultErr(cmd.ReqID, cmd.Op, err)
		}
		return resultOK(cmd.ReqID, cmd.Op, job)

	case protocol.OpTrainUnits:
		job, err := s.realm.TrainUnits(pid, cmd.VillageID, cmd.UnitID, int64(cmd.Count), now)
		if err != nil {
			return resultErr(cmd.ReqID, cmd.Op, err)
		}
		return resultOK(cmd.ReqID, cmd.Op, job)

	case protocol.OpDispatch:
		if !sess.dispatchGate.allow(now, rl.DispatchMax, time.Duration(rl.DispatchWindowSeconds)*time.Second) {
			return resultCode(cmd.ReqID, cmd.Op, protocol.ErrRateLimit, "dispatch rate exceeded")
		}
		if cmd.Target == nil {
			return resultCode(cmd.ReqID, cmd.Op, protocol.ErrBadRequest, "dispatch needs a target")
		}
		units := make(map[string]int64, len(cmd.Units))
		for id, n := range cmd.Units {
			units[id] = int64(n)
		}
		carry, badKey := carryAmounts(cmd.Carry)
		if badKey != "" {
			return resultCode(cmd.ReqID, cmd.Op, protocol.ErrBadRequest, "unknown carry resource "+badKey)
		}
		view, err := s.realm.Dispatch(pid, cmd.VillageID, cmd.Mission, cmd.Target.X, cmd.Target.Y, units, carry, now)
		if err != nil {
			return resultErr(cmd.ReqID, cmd.Op, err)
		}
		return resultOK(cmd.ReqID, cmd.Op, view)

	case protocol.OpPlaceOrder:
		view, err := s.realm.PlaceOrder(pid, cmd.VillageID, cmd.Side, cmd.Resource, cmd.Quantity, cmd.Price, now)
		if err != nil {
			return resultErr(cmd.ReqID, cmd.Op, err)
		}
		return resultOK(cmd.ReqID, cmd.Op, view)

	case protocol.OpCancelOrder:
		view, err := s.realm.CancelOrder(pid, cmd.OrderID, now)
		if err != nil {
			return resultErr(cmd.ReqID, cmd.Op, err)
		}
		return resultOK(cmd.ReqID, cmd.Op, view)

	case protocol.OpListOrders:
		list, err := s.realm.ListOrders(cmd.Resource, cmd.Side, cmd.Limit)
		if err != nil {
			return resultErr(cmd.ReqID, cmd.Op, err)
		}
		return resultOK(cmd.ReqID, cmd.Op, list)

	case protocol.OpListReports:
		return resultOK(cmd.ReqID, cmd.Op, s.hub.reportsFor(pid, cmd.SinceID, cmd.Limit))

	default:
		return resultCode(cmd.ReqID, cmd.Op, protocol.ErrBadRequest, "unknown op "+cmd.Op)
	}
}

// carryAmounts converts the wire carry map, rejecting unknown resource
// ids before they silently vanish inside Amounts.
func carryAmounts(m map[string]int64) (realm.Amounts, string) {
	var out realm.Amounts
	for res, n := range m {
		known := false
		for _, k := range realm.ResourceKinds {
			if k == res {
				known = true
				break
			}
		}
		if !known {
			return realm.Amounts{}, res
		}
		out.Set(res, n)
	}
	return out, ""
}

func resultOK(reqID, op string, data any) protocol.ResultMsg {
	return protocol.ResultMsg{
		Type:            protocol.TypeResult,
		ProtocolVersion: protocol.Version,
		ReqID:           reqID,
		Op:              op,
		OK:              true,
		Data:            data,
	}
}

func resultCode(reqID, op, code, msg string) protocol.ResultMsg {
	return protocol.ResultMsg{
		Type:            protocol.TypeResult,
		ProtocolVersion: protocol.Version,
		ReqID:           reqID,
		Op:              op,
		OK:              false,
		Code:            code,
		Message:         msg,
	}
}

func resultErr(reqID, op string, err error) protocol.ResultMsg {
	msg := err.Error()
	var oe *realm.OpError
	if errors.As(err, &oe) {
		msg = oe.Message
	}
	return resultCode(reqID, op, realm.CodeOf(err), msg)
}

func protoErr(reqID, op, msg string) protocol.ResultMsg {
	return resultCode(reqID, op, protocol.ErrProtoBadRequest, msg)
}
