package device

// CNone is the "no device" driver: every unit always reports StatusNotExist,
// matching the reference drv_cnone contract for a line configured but with
// no physical device attached.
type CNone struct{}

func (CNone) Open(unit int) error { return nil }
func (CNone) Close() error        { return nil }
func (CNone) Reset() error        { return nil }

func (CNone) Cmd(dir Direction, cmd int, data uint16) (Status, uint16, error) {
	return StatusNotExist, 0, nil
}
