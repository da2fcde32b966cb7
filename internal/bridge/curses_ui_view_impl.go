package bridge

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"github.com/lowaak/smart-trainer/cycling-gatt/internal/cycling"
	"github.com/lowaak/smart-trainer/cycling-gatt/internal/sensor"
)

// Page names for tview.Pages
const (
	pageRide = "ride"
	pageGATT = "gatt"
)

// CursesUIViewImpl implements UIViewImpl using tview (curses-based terminal UI)
type CursesUIViewImpl struct {
	logger      *log.Logger
	app         *tview.Application
	currentMode UIMode

	pages *tview.Pages

	// Shared components (visible in all modes)
	logView  *tview.TextView
	mainFlex *tview.Flex // Main layout: mode content on left, logs on right

	// Ride mode components
	rideFlex       *tview.Flex
	rideTabWidgets []*tview.Box
	metricsPanel   *tview.TextView
	framesPanel    *tview.TextView
	profilePanel   *tview.TextView

	// GATT mode components
	gattFlex       *tview.Flex
	gattTabWidgets []*tview.Box
	handleTable    *tview.Table
	transportPanel *tview.TextView
}

func NewCursesUIView(logger *log.Logger, app *tview.Application) *CursesUIViewImpl {
	return &CursesUIViewImpl{
		logger:      logger,
		app:         app,
		currentMode: UIModeRide,
	}
}

// Initialize sets up the tview widgets
func (ui *CursesUIViewImpl) Initialize(controller *UIController) {
	// No SetChangedFunc with app.Draw() here: it hangs when log lines arrive after the app stopped
	ui.logView = tview.NewTextView().
		SetDynamicColors(true).
		SetScrollable(false)
	ui.logView.SetBorder(true).SetTitle(" Logs ")

	ui.pages = tview.NewPages()

	ui.initRideMode()
	ui.initGattMode()

	ui.pages.AddPage(pageRide, ui.rideFlex, true, true)
	ui.pages.AddPage(pageGATT, ui.gattFlex, true, false)

	ui.mainFlex = tview.NewFlex().
		AddItem(ui.pages, 0, 3, true).
		AddItem(ui.logView, 0, 2, false)

	ui.setFocusForCurrentMode()
}

func newPanel(title string) *tview.TextView {
	panel := tview.NewTextView().
		SetDynamicColors(true).
		SetTextAlign(tview.AlignLeft)
	panel.SetBorder(true).SetTitle(title)
	return panel
}

func keyHelp() string {
	return "[yellow]Space[white] Start/Pause  |  [yellow]X[white] Stop  |  [yellow]Tab[white] Focus  |  [yellow]Esc[white] Quit\n[yellow]1[white] Ride  |  [yellow]2[white] GATT"
}

// initRideMode sets up the Ride mode UI
func (ui *CursesUIViewImpl) initRideMode() {
	instructionsText := tview.NewTextView().
		SetDynamicColors(true).
		SetTextAlign(tview.AlignCenter)
	instructionsText.SetText(keyHelp())

	ui.metricsPanel = newPanel(" Sensor ")
	ui.framesPanel = newPanel(" Frames ")
	ui.profilePanel = newPanel(" Profile ")
	ui.UpdateRideView(RideView{})

	ui.rideTabWidgets = []*tview.Box{ui.metricsPanel.Box, ui.framesPanel.Box, ui.profilePanel.Box}

	leftColumn := tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(ui.metricsPanel, 0, 1, true).
		AddItem(ui.framesPanel, 0, 1, false)

	columns := tview.NewFlex().
		SetDirection(tview.FlexColumn).
		AddItem(leftColumn, 0, 1, true).
		AddItem(ui.profilePanel, 0, 1, false)

	ui.rideFlex = tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(instructionsText, 2, 0, false).
		AddItem(columns, 0, 1, true)
}

// initGattMode sets up the GATT mode UI
func (ui *CursesUIViewImpl) initGattMode() {
	instructionsText := tview.NewTextView().
		SetDynamicColors(true).
		SetTextAlign(tview.AlignCenter)
	instructionsText.SetText(keyHelp())

	ui.handleTable = tview.NewTable().
		SetSelectable(true, false).
		SetFixed(1, 0)
	ui.handleTable.SetBorder(true).SetTitle(" Handles ")

	ui.transportPanel = newPanel(" Transport ")
	ui.UpdateGattStatus(GattStatus{})

	ui.gattTabWidgets = []*tview.Box{ui.handleTable.Box, ui.transportPanel.Box}

	columns := tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(ui.handleTable, 0, 2, true).
		AddItem(ui.transportPanel, 0, 1, false)

	ui.gattFlex = tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(instructionsText, 2, 0, false).
		AddItem(columns, 0, 1, true)
}

// SetMode switches the UI to the specified mode
func (ui *CursesUIViewImpl) SetMode(mode UIMode) {
	if ui.currentMode == mode {
		return
	}
	ui.currentMode = mode

	switch mode {
	case UIModeRide:
		ui.pages.SwitchToPage(pageRide)
	case UIModeGATT:
		ui.pages.SwitchToPage(pageGATT)
	}
	ui.setFocusForCurrentMode()
}

// GetCurrentMode returns the currently active UI mode
func (ui *CursesUIViewImpl) GetCurrentMode() UIMode {
	return ui.currentMode
}

func (ui *CursesUIViewImpl) getTabWidgetsForCurrentMode() []*tview.Box {
	switch ui.currentMode {
	case UIModeRide:
		return ui.rideTabWidgets
	case UIModeGATT:
		return ui.gattTabWidgets
	default:
		return nil
	}
}

// setFocusForCurrentMode sets focus to the first widget in the current mode
func (ui *CursesUIViewImpl) setFocusForCurrentMode() {
	if widgets := ui.getTabWidgetsForCurrentMode(); len(widgets) > 0 {
		ui.app.SetFocus(widgets[0])
	}
}

// SetupKeyboardHandlers sets up keyboard event handlers
func (ui *CursesUIViewImpl) SetupKeyboardHandlers(controller *UIController) {
	ui.app.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		switch event.Key() {
		case tcell.KeyTab:
			widgets := ui.getTabWidgetsForCurrentMode()
			for i, w := range widgets {
				if w.HasFocus() {
					ui.app.SetFocus(widgets[(i+1)%len(widgets)])
					break
				}
			}
			return nil

		case tcell.KeyEscape:
			controller.OnEscapeKey()
			return nil

		case tcell.KeyRune:
			if mode, ok := GetUIModeByKey(event.Rune()); ok {
				// Delegate to controller - it will update the model, which will notify us
				controller.OnModeChange(mode)
				return nil
			}
			switch event.Rune() {
			case ' ':
				controller.ToggleRide()
				return nil
			case 'x', 'X':
				controller.StopRide()
				return nil
			}
		}
		return event
	})
}

// GetLogViewHeight returns the visible height of the log view
func (ui *CursesUIViewImpl) GetLogViewHeight() int {
	_, _, _, height := ui.logView.GetInnerRect()
	return height
}

// ClearLogView clears the log view
func (ui *CursesUIViewImpl) ClearLogView() {
	ui.logView.Clear()
}

// WriteLogLine writes a line to the log view
func (ui *CursesUIViewImpl) WriteLogLine(line string) error {
	_, err := fmt.Fprint(ui.logView, tview.Escape(line))
	return err
}

// Draw refreshes/redraws the UI
func (ui *CursesUIViewImpl) Draw() error {
	ui.app.Draw()
	return nil
}

// Run starts the UI and blocks until it exits
func (ui *CursesUIViewImpl) Run() error {
	// SetRoot must be called before setting focus, otherwise focus may be reset
	ui.app.SetRoot(ui.mainFlex, true)
	ui.setFocusForCurrentMode()
	return ui.app.Run()
}

// Stop stops the UI framework
func (ui *CursesUIViewImpl) Stop() {
	ui.app.Stop()
}

// UpdateRideView refreshes the three Ride panels
func (ui *CursesUIViewImpl) UpdateRideView(view RideView) {
	ui.metricsPanel.SetText(formatMetrics(view.Status))
	ui.framesPanel.SetText(formatFrames(view))
	ui.profilePanel.SetText(formatProfile(view.Status))
}

// UpdateGattStatus refreshes the handle table and transport counters
func (ui *CursesUIViewImpl) UpdateGattStatus(status GattStatus) {
	fillHandleTable(ui.handleTable, status)
	ui.transportPanel.SetText(formatTransport(status))
}

func stateColor(s RideState) string {
	switch s {
	case RideRunning:
		return "green"
	case RidePaused:
		return "yellow"
	default:
		return "gray"
	}
}

func formatMetrics(s RideStatus) string {
	var b strings.Builder
	b.WriteString("\n")
	fmt.Fprintf(&b, "  [%s]%s[white]  [gray]%s[white]\n\n", stateColor(s.State), s.State, s.Source)
	if s.State == RideIdle && s.Updates == 0 {
		b.WriteString("  Press [yellow]Space[white] to start sending measurements.\n")
		return b.String()
	}

	fmt.Fprintf(&b, "  Power:       [yellow]%4.0f[white] W\n", s.Reading.PowerW)
	fmt.Fprintf(&b, "  Cadence:     [yellow]%4.0f[white] rpm\n", s.Reading.CadenceRPM)
	fmt.Fprintf(&b, "  Speed:       [yellow]%5.1f[white] km/h\n", s.Reading.SpeedKmh)
	if s.Reading.ResistancePct != sensor.ResistanceUnknown {
		fmt.Fprintf(&b, "  Resistance:  [yellow]%4d[white] %%\n", s.Reading.ResistancePct)
	} else {
		b.WriteString("  Resistance:  [gray]  --[white]\n")
	}
	fmt.Fprintf(&b, "  Elapsed:     [yellow]%s[white]\n\n", formatDurationMMSS(s.Elapsed))

	fmt.Fprintf(&b, "  [gray]Crank revs:[white]  %d @ %d ms\n", s.Snapshot.CrankRevs, s.Snapshot.LastCrankMs)
	fmt.Fprintf(&b, "  [gray]Wheel revs:[white]  %d @ %d ms\n", s.Snapshot.WheelRevs, s.Snapshot.LastWheelMs)
	fmt.Fprintf(&b, "  [gray]Energy:[white]      %d kJ\n", s.Snapshot.EnergyKJ)
	if s.ReadErrors > 0 {
		fmt.Fprintf(&b, "\n  [red]Read errors: %d[white] [gray](%s)[white]\n", s.ReadErrors, tview.Escape(s.LastReadError))
	}
	return b.String()
}

func okMark(ok bool) string {
	if ok {
		return "[green]sent[white]"
	}
	return "[red]failed[white]"
}

func formatFrames(view RideView) string {
	s := view.Status
	if s.Updates == 0 {
		return "\n  [gray]No frames sent yet[white]\n"
	}

	var b strings.Builder
	b.WriteString("\n")
	fmt.Fprintf(&b, "  [gray]CP :[white]  %-24s %s\n", fmt.Sprintf("% X", s.Frames.CP), okMark(s.Frames.CPOK))
	fmt.Fprintf(&b, "  [gray]CSC:[white]  %-24s %s\n", fmt.Sprintf("% X", s.Frames.CSC), okMark(s.Frames.CSCOK))
	fmt.Fprintf(&b, "  [gray]Sent:[white] %d  [gray]Failed:[white] %d\n\n", s.Updates, s.FailedUpdates)

	r := view.Receiver
	b.WriteString("  [cyan]As a receiver decodes it[white]\n")
	if r.DecodeErr != "" {
		fmt.Fprintf(&b, "  [red]%s[white]\n", tview.Escape(r.DecodeErr))
		return b.String()
	}
	fmt.Fprintf(&b, "  Power:    [yellow]%d[white] W   Energy: [yellow]%d[white] kJ\n", r.CP.PowerW, r.CP.AccumulatedEnergyKJ)
	fmt.Fprintf(&b, "  Cadence:  [yellow]%.0f[white] rpm\n", r.CadenceRPM)
	fmt.Fprintf(&b, "  Speed:    [yellow]%.1f[white] km/h  [gray](%.0f wheel rpm)[white]\n", r.SpeedKmh, r.WheelRPM)
	return b.String()
}

func formatProfile(s RideStatus) string {
	p := s.Progress
	if p == nil {
		return "\n  [gray]Source does not follow a profile[white]\n"
	}

	var b strings.Builder
	b.WriteString("\n")
	fmt.Fprintf(&b, "  [yellow]%s[white]\n\n", tview.Escape(p.Name))
	if p.Complete {
		b.WriteString("  [green]Profile complete[white]\n\n")
		b.WriteString("  Press [yellow]X[white] to stop the ride.\n")
		return b.String()
	}
	fmt.Fprintf(&b, "  [gray]Elapsed:[white]   %s\n", formatDurationMMSS(p.Elapsed))
	fmt.Fprintf(&b, "  [gray]Remaining:[white] %s\n\n", formatDurationMMSS(p.Remaining))
	fmt.Fprintf(&b, "  [cyan]Block[white] %d/%d  %s / %s\n", p.BlockIdx+1, p.BlockCount,
		formatDurationMMSS(p.BlockElapsed), formatDurationMMSS(p.BlockElapsed+p.BlockRemaining))
	fmt.Fprintf(&b, "  Target Power:   [yellow]%.0f[white] W [gray](%.0f%% FTP)[white]\n", p.TargetPowerW, p.TargetFTPMult*100)
	if p.TargetCadence > 0 {
		fmt.Fprintf(&b, "  Target Cadence: [yellow]%d[white] rpm\n", p.TargetCadence)
	}
	return b.String()
}

func fillHandleTable(table *tview.Table, status GattStatus) {
	table.Clear()
	for col, title := range []string{"Handle", "Characteristic", "UUID", "Properties"} {
		table.SetCell(0, col, tview.NewTableCell(title).
			SetTextColor(tcell.ColorYellow).
			SetSelectable(false))
	}

	row := 1
	for _, svc := range status.Table {
		handles := status.Handles
		table.SetCell(row, 0, handleCell(handles.Get(svc.ID)))
		table.SetCell(row, 1, tview.NewTableCell(svc.Name).SetTextColor(tcell.ColorAqua))
		table.SetCell(row, 2, tview.NewTableCell(fmt.Sprintf("0x%04X", svc.UUID)))
		table.SetCell(row, 3, tview.NewTableCell("service"))
		row++
		for _, cs := range svc.Characteristics {
			table.SetCell(row, 0, handleCell(handles.Get(cs.ID)))
			table.SetCell(row, 1, tview.NewTableCell("  "+cs.Name))
			table.SetCell(row, 2, tview.NewTableCell(fmt.Sprintf("0x%04X", cs.UUID)))
			table.SetCell(row, 3, tview.NewTableCell(propertyString(cs.Properties)))
			row++
		}
	}
}

func handleCell(h cycling.Handle) *tview.TableCell {
	if !h.Valid() {
		return tview.NewTableCell("--").SetTextColor(tcell.ColorRed)
	}
	return tview.NewTableCell(fmt.Sprintf("%d", h))
}

func propertyString(p cycling.Property) string {
	var parts []string
	if p.Has(cycling.PropertyRead) {
		parts = append(parts, "read")
	}
	if p.Has(cycling.PropertyWrite) {
		parts = append(parts, "write")
	}
	if p.Has(cycling.PropertyNotify) {
		parts = append(parts, "notify")
	}
	if p.Has(cycling.PropertyIndicate) {
		parts = append(parts, "indicate")
	}
	return strings.Join(parts, ",")
}

func formatTransport(status GattStatus) string {
	var b strings.Builder
	b.WriteString("\n")
	if status.LocalName != "" {
		fmt.Fprintf(&b, "  [gray]Advertising as:[white] [yellow]%s[white]\n", tview.Escape(status.LocalName))
	}
	fmt.Fprintf(&b, "  [gray]Writes sent:[white]   %d\n", status.Sink.Sent)
	fmt.Fprintf(&b, "  [gray]Writes failed:[white] %d\n", status.Sink.Failed)
	if status.Sink.LastFailure != "" {
		fmt.Fprintf(&b, "  [gray]Last failure:[white]  [red]%s[white]\n", tview.Escape(status.Sink.LastFailure))
	}
	if missing := status.Handles.Missing(); len(missing) > 0 && len(status.Table) > 0 {
		fmt.Fprintf(&b, "  [red]Unregistered:[white]  %s\n", joinHandleIDs(missing))
	}
	b.WriteString("\n")
	b.WriteString(formatCentrals(status.Centrals))
	return b.String()
}

func joinHandleIDs(ids []cycling.HandleID) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = string(id)
	}
	return strings.Join(parts, ", ")
}

func formatCentrals(centrals []string) string {
	if len(centrals) == 0 {
		return "  [gray]No centrals connected[white]\n"
	}
	var b strings.Builder
	b.WriteString("  [gray]Connected centrals:[white]\n")
	for _, c := range centrals {
		fmt.Fprintf(&b, "    [green]*[white] %s\n", c)
	}
	return b.String()
}

// formatDurationMMSS formats a duration as MM:SS
func formatDurationMMSS(d time.Duration) string {
	totalSeconds := int(d.Seconds())
	minutes := totalSeconds / 60
	seconds := totalSeconds % 60
	return fmt.Sprintf("%02d:%02d", minutes, seconds)
}

var _ UIViewImpl = (*CursesUIViewImpl)(nil)
