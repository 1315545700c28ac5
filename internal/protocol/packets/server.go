package packets

import (
	"fmt"

	"github.com/echotools/uospy/internal/protocol"
)

type LoginConfirm struct {
	Serial    uint32
	Body      uint16
	X, Y      uint16
	Z         int16
	Direction uint8
}

func (p *LoginConfirm) Parse(r *protocol.Reader) error {
	r.Skip(1)
	p.Serial = r.Uint32()
	r.Skip(4)
	p.Body = r.Uint16()
	p.X = r.Uint16()
	p.Y = r.Uint16()
	p.Z = r.Int16()
	p.Direction = r.Uint8()
	return nil
}

// Message is the common header of 0x1C and 0xC1.
type Message struct {
	Serial  uint32
	Graphic uint16
	Type    uint8
	Hue     uint16
	Font    uint16
}

func (m *Message) parse(r *protocol.Reader) {
	r.Skip(3)
	m.Serial = r.Uint32()
	m.Graphic = r.Uint16()
	m.Type = r.Uint8()
	m.Hue = r.Uint16()
	m.Font = r.Uint16()
}

type ASCIIMessage struct {
	Message
	Name string
	Text string
}

func (p *ASCIIMessage) Parse(r *protocol.Reader) error {
	p.parse(r)
	p.Name = r.ASCII(30)
	p.Text = r.ASCIIZ()
	return nil
}

type ClilocMessage struct {
	Message
	Cliloc    uint32
	Name      string
	Arguments string
}

func (p *ClilocMessage) Parse(r *protocol.Reader) error {
	p.parse(r)
	p.Cliloc = r.Uint32()
	p.Name = r.ASCII(30)
	p.Arguments = r.UnicodeLEZ()
	return nil
}

type MobileUpdate struct {
	Serial    uint32
	Body      uint16
	Hue       uint16
	Flags     uint8
	X, Y      uint16
	Direction uint8
	Z         int8
}

func (p *MobileUpdate) Parse(r *protocol.Reader) error {
	r.Skip(1)
	p.Serial = r.Uint32()
	p.Body = r.Uint16()
	r.Skip(1)
	p.Hue = r.Uint16()
	p.Flags = r.Uint8()
	p.X = r.Uint16()
	p.Y = r.Uint16()
	r.Skip(2)
	p.Direction = r.Uint8()
	p.Z = r.Int8()
	return nil
}

type ContainerItem struct {
	Serial    uint32
	Graphic   uint16
	Amount    uint16
	X, Y      uint16
	Grid      uint8
	Container uint32
	Hue       uint16
}

type ContainerContents struct {
	Items []ContainerItem
}

func (p *ContainerContents) Parse(r *protocol.Reader) error {
	r.Skip(3)
	count := int(r.Uint16())
	for i := 0; i < count && r.Err() == nil; i++ {
		var it ContainerItem
		it.Serial = r.Uint32()
		it.Graphic = r.Uint16()
		r.Skip(1)
		it.Amount = r.Uint16()
		it.X = r.Uint16()
		it.Y = r.Uint16()
		it.Grid = r.Uint8()
		it.Container = r.Uint32()
		it.Hue = r.Uint16()
		p.Items = append(p.Items, it)
	}
	return nil
}

type PlaySound struct {
	Mode  uint8
	Sound uint16
	X, Y  uint16
	Z     int16
}

func (p *PlaySound) Parse(r *protocol.Reader) error {
	r.Skip(1)
	p.Mode = r.Uint8()
	p.Sound = r.Uint16()
	r.Skip(2)
	p.X = r.Uint16()
	p.Y = r.Uint16()
	p.Z = r.Int16()
	return nil
}

type PlayMusic struct {
	Music uint16
}

func (p *PlayMusic) Parse(r *protocol.Reader) error {
	r.Skip(1)
	p.Music = r.Uint16()
	return nil
}

type Equipment struct {
	Serial  uint32
	Graphic uint16
	Layer   uint8
	Hue     uint16
}

type MobileIncoming struct {
	Serial    uint32
	Body      uint16
	X, Y      uint16
	Z         int8
	Direction uint8
	Hue       uint16
	Flags     uint8
	Notoriety uint8
	Equipment []Equipment
}

func (p *MobileIncoming) Parse(r *protocol.Reader) error {
	r.Skip(3)
	p.Serial = r.Uint32()
	p.Body = r.Uint16()
	p.X = r.Uint16()
	p.Y = r.Uint16()
	p.Z = r.Int8()
	p.Direction = r.Uint8()
	p.Hue = r.Uint16()
	p.Flags = r.Uint8()
	p.Notoriety = r.Uint8()
	// The list ends with a zero serial.
	for r.Err() == nil {
		serial := r.Uint32()
		if serial == 0 {
			break
		}
		p.Equipment = append(p.Equipment, Equipment{
			Serial:  serial,
			Graphic: r.Uint16(),
			Layer:   r.Uint8(),
			Hue:     r.Uint16(),
		})
	}
	return nil
}

var notorieties = map[uint8]string{
	1: "Innocent",
	2: "Ally",
	3: "Attackable",
	4: "Criminal",
	5: "Enemy",
	6: "Murderer",
	7: "Invulnerable",
}

func notorietyName(n uint8) string {
	if name, ok := notorieties[n]; ok {
		return name
	}
	return fmt.Sprintf("Unknown (%d)", n)
}

type Server struct {
	Index    uint16
	Name     string
	Full     uint8
	Timezone int8
	// Address is sent least significant octet first.
	Address uint32
}

func (s Server) IP() string {
	return fmt.Sprintf("%d.%d.%d.%d", byte(s.Address), byte(s.Address>>8), byte(s.Address>>16), byte(s.Address>>24))
}

type ServerList struct {
	Flags   uint8
	Servers []Server
}

func (p *ServerList) Parse(r *protocol.Reader) error {
	r.Skip(3)
	p.Flags = r.Uint8()
	count := int(r.Uint16())
	for i := 0; i < count && r.Err() == nil; i++ {
		p.Servers = append(p.Servers, Server{
			Index:    r.Uint16(),
			Name:     r.ASCII(32),
			Full:     r.Uint8(),
			Timezone: r.Int8(),
			Address:  r.Uint32(),
		})
	}
	return nil
}

// generalHeader is the id, length and sub-command of 0xBF.
const generalHeader = 1 + 2 + 2

type MapChange struct {
	Map uint8
}

func (p *MapChange) Parse(r *protocol.Reader) error {
	r.Skip(generalHeader)
	p.Map = r.Uint8()
	return nil
}

type BondedStatus struct {
	Serial uint32
	Bonded bool
}

func (p *BondedStatus) Parse(r *protocol.Reader) error {
	r.Skip(generalHeader + 1)
	p.Serial = r.Uint32()
	p.Bonded = r.Bool()
	return nil
}

type StatLocks struct {
	Serial uint32
	Locks  uint8
}

func (p *StatLocks) Parse(r *protocol.Reader) error {
	r.Skip(generalHeader + 1)
	p.Serial = r.Uint32()
	r.Skip(1)
	p.Locks = r.Uint8()
	return nil
}

var lockNames = [4]string{"Up", "Down", "Locked", "Invalid"}

func (p *StatLocks) lock(shift uint) string {
	return lockNames[(p.Locks>>shift)&0x03]
}

func serverDefinitions() []*protocol.PacketDefinition {
	messageProps := func(get func(any) *Message) []*protocol.PropertyDefinition {
		return []*protocol.PropertyDefinition{
			protocol.FormatProp("Serial", serialFormat, func(p any) uint32 { return get(p).Serial }),
			protocol.Prop("Graphic", func(p any) uint16 { return get(p).Graphic }).WithTag(protocol.TagBody),
			protocol.Prop("Type", func(p any) uint8 { return get(p).Type }),
			protocol.FormatProp("Hue", "0x%04X", func(p any) uint16 { return get(p).Hue }),
			protocol.Prop("Font", func(p any) uint16 { return get(p).Font }),
		}
	}
	asciiHeader := messageProps(func(p any) *Message { return &p.(*ASCIIMessage).Message })
	clilocHeader := messageProps(func(p any) *Message { return &p.(*ClilocMessage).Message })

	return []*protocol.PacketDefinition{
		{
			Name: "Login Confirm",
			IDs:  []uint16{0x1B},
			Properties: []*protocol.PropertyDefinition{
				protocol.FormatProp("Serial", serialFormat, func(p *LoginConfirm) uint32 { return p.Serial }),
				protocol.Prop("Body", func(p *LoginConfirm) uint16 { return p.Body }).WithTag(protocol.TagBody),
				protocol.Prop("X", func(p *LoginConfirm) uint16 { return p.X }),
				protocol.Prop("Y", func(p *LoginConfirm) uint16 { return p.Y }),
				protocol.Prop("Z", func(p *LoginConfirm) int16 { return p.Z }),
				protocol.Prop("Direction", func(p *LoginConfirm) uint8 { return p.Direction }).WithTag(protocol.TagDirection),
			},
			New: func() protocol.Packet { return &LoginConfirm{} },
		},
		{
			Name: "ASCII Message",
			IDs:  []uint16{0x1C},
			Properties: append(asciiHeader,
				protocol.Prop("Name", func(p *ASCIIMessage) string { return p.Name }),
				protocol.Prop("Text", func(p *ASCIIMessage) string { return p.Text }),
			),
			New: func() protocol.Packet { return &ASCIIMessage{} },
		},
		{
			Name: "Mobile Update",
			IDs:  []uint16{0x20},
			Properties: []*protocol.PropertyDefinition{
				protocol.FormatProp("Serial", serialFormat, func(p *MobileUpdate) uint32 { return p.Serial }),
				protocol.Prop("Body", func(p *MobileUpdate) uint16 { return p.Body }).WithTag(protocol.TagBody),
				protocol.FormatProp("Hue", "0x%04X", func(p *MobileUpdate) uint16 { return p.Hue }),
				protocol.FormatProp("Flags", "0x%02X", func(p *MobileUpdate) uint8 { return p.Flags }),
				protocol.Prop("X", func(p *MobileUpdate) uint16 { return p.X }),
				protocol.Prop("Y", func(p *MobileUpdate) uint16 { return p.Y }),
				protocol.Prop("Direction", func(p *MobileUpdate) uint8 { return p.Direction }).WithTag(protocol.TagDirection),
				protocol.Prop("Z", func(p *MobileUpdate) int8 { return p.Z }),
			},
			New: func() protocol.Packet { return &MobileUpdate{} },
		},
		{
			Name: "Container Contents",
			IDs:  []uint16{0x3C},
			Properties: []*protocol.PropertyDefinition{
				protocol.ListProp("Items", "Item", func(p *ContainerContents) []ContainerItem { return p.Items },
					protocol.FormatProp("Serial", serialFormat, func(i ContainerItem) uint32 { return i.Serial }),
					protocol.Prop("Graphic", func(i ContainerItem) uint16 { return i.Graphic }).WithTag(protocol.TagTexture),
					protocol.Prop("Amount", func(i ContainerItem) uint16 { return i.Amount }),
					protocol.Prop("X", func(i ContainerItem) uint16 { return i.X }),
					protocol.Prop("Y", func(i ContainerItem) uint16 { return i.Y }),
					protocol.Prop("Grid", func(i ContainerItem) uint8 { return i.Grid }),
					protocol.FormatProp("Container", serialFormat, func(i ContainerItem) uint32 { return i.Container }),
					protocol.FormatProp("Hue", "0x%04X", func(i ContainerItem) uint16 { return i.Hue }),
				),
			},
			New: func() protocol.Packet { return &ContainerContents{} },
		},
		{
			Name: "Play Sound",
			IDs:  []uint16{0x54},
			Properties: []*protocol.PropertyDefinition{
				protocol.Prop("Mode", func(p *PlaySound) uint8 { return p.Mode }),
				protocol.Prop("Sound", func(p *PlaySound) uint16 { return p.Sound }).WithTag(protocol.TagSound),
				protocol.Prop("X", func(p *PlaySound) uint16 { return p.X }),
				protocol.Prop("Y", func(p *PlaySound) uint16 { return p.Y }),
				protocol.Prop("Z", func(p *PlaySound) int16 { return p.Z }),
			},
			New: func() protocol.Packet { return &PlaySound{} },
		},
		{
			Name: "Play Music",
			IDs:  []uint16{0x6D},
			Properties: []*protocol.PropertyDefinition{
				protocol.Prop("Music", func(p *PlayMusic) uint16 { return p.Music }).WithTag(protocol.TagMusic),
			},
			New: func() protocol.Packet { return &PlayMusic{} },
		},
		{
			Name:       "Ping",
			IDs:        []uint16{0x73},
			Properties: pingProperties(),
			New:        func() protocol.Packet { return &Ping{} },
		},
		{
			Name: "Mobile Incoming",
			IDs:  []uint16{0x78},
			Properties: []*protocol.PropertyDefinition{
				protocol.FormatProp("Serial", serialFormat, func(p *MobileIncoming) uint32 { return p.Serial }),
				protocol.Prop("Body", func(p *MobileIncoming) uint16 { return p.Body }).WithTag(protocol.TagBody),
				protocol.Prop("X", func(p *MobileIncoming) uint16 { return p.X }),
				protocol.Prop("Y", func(p *MobileIncoming) uint16 { return p.Y }),
				protocol.Prop("Z", func(p *MobileIncoming) int8 { return p.Z }),
				protocol.Prop("Direction", func(p *MobileIncoming) uint8 { return p.Direction }).WithTag(protocol.TagDirection),
				protocol.FormatProp("Hue", "0x%04X", func(p *MobileIncoming) uint16 { return p.Hue }),
				protocol.FormatProp("Flags", "0x%02X", func(p *MobileIncoming) uint8 { return p.Flags }),
				protocol.Prop("Notoriety", func(p *MobileIncoming) string { return notorietyName(p.Notoriety) }),
				protocol.ListProp("Equipment", "Item", func(p *MobileIncoming) []Equipment { return p.Equipment },
					protocol.FormatProp("Serial", serialFormat, func(e Equipment) uint32 { return e.Serial }),
					protocol.Prop("Graphic", func(e Equipment) uint16 { return e.Graphic }).WithTag(protocol.TagTexture),
					protocol.FormatProp("Layer", "0x%02X", func(e Equipment) uint8 { return e.Layer }),
					protocol.FormatProp("Hue", "0x%04X", func(e Equipment) uint16 { return e.Hue }),
				),
			},
			New: func() protocol.Packet { return &MobileIncoming{} },
		},
		{
			Name: "Server List",
			IDs:  []uint16{0xA8},
			Properties: []*protocol.PropertyDefinition{
				protocol.FormatProp("Flags", "0x%02X", func(p *ServerList) uint8 { return p.Flags }),
				protocol.ListProp("Servers", "Server", func(p *ServerList) []Server { return p.Servers },
					protocol.Prop("Index", func(s Server) uint16 { return s.Index }),
					protocol.Prop("Name", func(s Server) string { return s.Name }),
					protocol.FormatProp("Full", "%d%%", func(s Server) uint8 { return s.Full }),
					protocol.Prop("Timezone", func(s Server) int8 { return s.Timezone }),
					protocol.Prop("Address", Server.IP),
				),
			},
			New: func() protocol.Packet { return &ServerList{} },
		},
		{
			Name: "Cliloc Message",
			IDs:  []uint16{0xC1},
			Properties: append(clilocHeader,
				protocol.Prop("Cliloc", func(p *ClilocMessage) uint32 { return p.Cliloc }).WithTag(protocol.TagCliloc),
				protocol.Prop("Name", func(p *ClilocMessage) string { return p.Name }),
				protocol.Prop("Arguments", func(p *ClilocMessage) string { return p.Arguments }),
			),
			New: func() protocol.Packet { return &ClilocMessage{} },
		},
		{
			Name: "Map Change",
			IDs:  []uint16{0xBF, 0x0008},
			Properties: []*protocol.PropertyDefinition{
				protocol.Prop("Map", func(p *MapChange) uint8 { return p.Map }),
			},
			New: func() protocol.Packet { return &MapChange{} },
		},
		{
			Name: "Bonded Status",
			IDs:  []uint16{0xBF, 0x0019, 0x00},
			Properties: []*protocol.PropertyDefinition{
				protocol.FormatProp("Serial", serialFormat, func(p *BondedStatus) uint32 { return p.Serial }),
				protocol.Prop("Bonded", func(p *BondedStatus) bool { return p.Bonded }),
			},
			New: func() protocol.Packet { return &BondedStatus{} },
		},
		{
			Name: "Stat Locks",
			IDs:  []uint16{0xBF, 0x0019, 0x02},
			Properties: []*protocol.PropertyDefinition{
				protocol.FormatProp("Serial", serialFormat, func(p *StatLocks) uint32 { return p.Serial }),
				protocol.Prop("Strength", func(p *StatLocks) string { return p.lock(4) }),
				protocol.Prop("Dexterity", func(p *StatLocks) string { return p.lock(2) }),
				protocol.Prop("Intelligence", func(p *StatLocks) string { return p.lock(0) }),
			},
			New: func() protocol.Packet { return &StatLocks{} },
		},
	}
}
