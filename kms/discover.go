package kms

import (
	"fmt"
	"os"
)

// Output couples a connected connector with its preferred mode and a
// display controller able to drive it.
type Output struct {
	Conn      uint32
	Mode      Info
	CrtcID    uint32
	CrtcIndex int
}

// DiscoverOutputs walks the device's connectors and pairs every
// connected one with a free display controller, never assigning the
// same controller twice. Connectors without a monitor are skipped; a
// connected connector that cannot get a controller fails the walk.
func DiscoverOutputs(file *os.File) ([]Output, error) {
	res, err := GetResources(file)
	if err != nil {
		return nil, fmt.Errorf("cannot retrieve resources: %w", err)
	}

	var outs []Output
	for _, connID := range res.Connectors {
		conn, err := GetConnector(file, connID)
		if err != nil {
			return nil, fmt.Errorf("cannot retrieve connector %d: %w", connID, err)
		}
		if conn.Connection != Connected {
			continue
		}
		if len(conn.Modes) == 0 {
			return nil, fmt.Errorf("no valid mode for connector %d", conn.ID)
		}
		id, index, err := findCrtc(file, res, conn, outs)
		if err != nil {
			return nil, err
		}
		outs = append(outs, Output{
			Conn:      conn.ID,
			Mode:      conn.Modes[0],
			CrtcID:    id,
			CrtcIndex: index,
		})
	}
	return outs, nil
}

func crtcTaken(outs []Output, id uint32) bool {
	for _, out := range outs {
		if out.CrtcID == id {
			return true
		}
	}
	return false
}

// findCrtc prefers the controller already driving the connector. When
// that one is missing or taken it walks the connector's encoders and
// picks the first reachable free controller; encoders address
// controllers by bit position in the resource list.
func findCrtc(file *os.File, res *Resources, conn *Connector, taken []Output) (uint32, int, error) {
	if conn.EncoderID != 0 {
		enc, err := GetEncoder(file, conn.EncoderID)
		if err == nil && enc.CrtcID != 0 && !crtcTaken(taken, enc.CrtcID) {
			for i, id := range res.Crtcs {
				if id == enc.CrtcID {
					return id, i, nil
				}
			}
		}
	}

	for _, encID := range conn.Encoders {
		enc, err := GetEncoder(file, encID)
		if err != nil {
			return 0, 0, fmt.Errorf("cannot retrieve encoder %d: %w", encID, err)
		}
		for i, id := range res.Crtcs {
			if enc.PossibleCrtcs&(1<<uint(i)) == 0 || crtcTaken(taken, id) {
				continue
			}
			return id, i, nil
		}
	}
	return 0, 0, fmt.Errorf("cannot find a suitable display controller for connector %d", conn.ID)
}

// RestoreCrtc programs a controller back to a previously saved state,
// reattaching it to the given connector. Compositors save the state
// at startup with GetCrtc and restore it on the way out.
func RestoreCrtc(file *os.File, saved *Crtc, conn uint32) error {
	err := SetCrtc(file, saved.ID, saved.BufferID, saved.X, saved.Y,
		&conn, 1, &saved.Mode)
	if err != nil {
		return fmt.Errorf("cannot restore display controller %d: %w", saved.ID, err)
	}
	return nil
}
