package packets

import (
	"strings"

	"github.com/echotools/uospy/internal/protocol"
)

const serialFormat = "0x%08X"

type MoveRequest struct {
	Direction   uint8
	Sequence    uint8
	FastWalkKey uint32
}

func (p *MoveRequest) Parse(r *protocol.Reader) error {
	r.Skip(1)
	p.Direction = r.Uint8()
	p.Sequence = r.Uint8()
	p.FastWalkKey = r.Uint32()
	return nil
}

type DoubleClick struct {
	Serial uint32
}

func (p *DoubleClick) Parse(r *protocol.Reader) error {
	r.Skip(1)
	p.Serial = r.Uint32()
	return nil
}

// Paperdoll reports the flag bit a client sets when opening its own paperdoll.
func (p *DoubleClick) Paperdoll() bool {
	return p.Serial&0x80000000 != 0
}

type AccountLogin struct {
	Account  string
	Password string
	LoginKey uint8
}

func (p *AccountLogin) Parse(r *protocol.Reader) error {
	r.Skip(1)
	p.Account = r.ASCII(30)
	p.Password = r.ASCII(30)
	p.LoginKey = r.Uint8()
	return nil
}

type GameLogin struct {
	Key      uint32
	Account  string
	Password string
}

func (p *GameLogin) Parse(r *protocol.Reader) error {
	r.Skip(1)
	p.Key = r.Uint32()
	p.Account = r.ASCII(30)
	p.Password = r.ASCII(30)
	return nil
}

func mask(s string) string {
	return strings.Repeat("*", len(s))
}

type Ping struct {
	Sequence uint8
}

func (p *Ping) Parse(r *protocol.Reader) error {
	r.Skip(1)
	p.Sequence = r.Uint8()
	return nil
}

type Keyword struct {
	ID uint16
}

type SpeechRequest struct {
	Type     uint8
	Hue      uint16
	Font     uint16
	Language string
	Keywords []Keyword
	Text     string
}

// speechEncoded marks a request carrying keyword ids and UTF-8 text.
const speechEncoded = 0xC0

func (p *SpeechRequest) Parse(r *protocol.Reader) error {
	r.Skip(3)
	p.Type = r.Uint8()
	p.Hue = r.Uint16()
	p.Font = r.Uint16()
	p.Language = r.ASCII(4)

	if p.Type&speechEncoded == 0 {
		p.Text = r.UnicodeZ()
		return nil
	}

	p.Type &^= speechEncoded
	// Keyword ids are 12 bits wide and packed back to back after a 12-bit count.
	head := r.Uint16()
	count := int(head >> 4)
	hold := head & 0x0F
	for i := 0; i < count && r.Err() == nil; i++ {
		if i%2 == 0 {
			hold = hold<<8 | uint16(r.Uint8())
			p.Keywords = append(p.Keywords, Keyword{ID: hold})
			hold = 0
		} else {
			v := r.Uint16()
			p.Keywords = append(p.Keywords, Keyword{ID: v >> 4})
			hold = v & 0x0F
		}
	}
	p.Text = r.UTF8Z()
	return nil
}

type ScreenSize struct {
	Width  uint16
	Height uint16
}

func (p *ScreenSize) Parse(r *protocol.Reader) error {
	r.Skip(5 + 2)
	p.Width = r.Uint16()
	p.Height = r.Uint16()
	return nil
}

type ClientLanguage struct {
	Language string
}

func (p *ClientLanguage) Parse(r *protocol.Reader) error {
	r.Skip(5)
	p.Language = r.ASCII(3)
	return nil
}

// encodedHeader is the id, length, player serial and sub-command of 0xD7.
const encodedHeader = 1 + 2 + 4 + 2

type WeaponAbility struct {
	Player  uint32
	Ability uint32
}

func (p *WeaponAbility) Parse(r *protocol.Reader) error {
	r.Skip(3)
	p.Player = r.Uint32()
	r.Seek(encodedHeader)
	p.Ability = r.Uint32()
	return nil
}

type HouseDesignBuild struct {
	Player  uint32
	Graphic uint16
	X, Y    uint32
}

func (p *HouseDesignBuild) Parse(r *protocol.Reader) error {
	r.Skip(3)
	p.Player = r.Uint32()
	r.Seek(encodedHeader)
	// Each argument is a zero byte followed by a 32-bit value.
	r.Skip(1)
	p.Graphic = uint16(r.Uint32())
	r.Skip(1)
	p.X = r.Uint32()
	r.Skip(1)
	p.Y = r.Uint32()
	return nil
}

func clientDefinitions() []*protocol.PacketDefinition {
	return []*protocol.PacketDefinition{
		{
			Name:       "Move Request",
			FromClient: true,
			IDs:        []uint16{0x02},
			Properties: []*protocol.PropertyDefinition{
				protocol.Prop("Direction", func(p *MoveRequest) uint8 { return p.Direction }).WithTag(protocol.TagDirection),
				protocol.Prop("Sequence", func(p *MoveRequest) uint8 { return p.Sequence }),
				protocol.FormatProp("Fast Walk Key", serialFormat, func(p *MoveRequest) uint32 { return p.FastWalkKey }),
			},
			New: func() protocol.Packet { return &MoveRequest{} },
		},
		{
			Name:       "Double Click",
			FromClient: true,
			IDs:        []uint16{0x06},
			Properties: []*protocol.PropertyDefinition{
				protocol.FormatProp("Serial", serialFormat, func(p *DoubleClick) uint32 { return p.Serial &^ 0x80000000 }),
				protocol.Prop("Paperdoll", (*DoubleClick).Paperdoll),
			},
			New: func() protocol.Packet { return &DoubleClick{} },
		},
		{
			Name:       "Ping",
			FromClient: true,
			IDs:        []uint16{0x73},
			Properties: pingProperties(),
			New:        func() protocol.Packet { return &Ping{} },
		},
		{
			Name:       "Account Login",
			FromClient: true,
			IDs:        []uint16{0x80},
			Properties: []*protocol.PropertyDefinition{
				protocol.Prop("Account", func(p *AccountLogin) string { return p.Account }),
				protocol.Prop("Password", func(p *AccountLogin) string { return mask(p.Password) }),
				protocol.Prop("Login Key", func(p *AccountLogin) uint8 { return p.LoginKey }),
			},
			New: func() protocol.Packet { return &AccountLogin{} },
		},
		{
			Name:       "Game Server Login",
			FromClient: true,
			IDs:        []uint16{0x91},
			Properties: []*protocol.PropertyDefinition{
				protocol.FormatProp("Key", serialFormat, func(p *GameLogin) uint32 { return p.Key }),
				protocol.Prop("Account", func(p *GameLogin) string { return p.Account }),
				protocol.Prop("Password", func(p *GameLogin) string { return mask(p.Password) }),
			},
			New: func() protocol.Packet { return &GameLogin{} },
		},
		{
			Name:       "Unicode Speech Request",
			FromClient: true,
			IDs:        []uint16{0xAD},
			Properties: []*protocol.PropertyDefinition{
				protocol.Prop("Type", func(p *SpeechRequest) uint8 { return p.Type }),
				protocol.FormatProp("Hue", "0x%04X", func(p *SpeechRequest) uint16 { return p.Hue }),
				protocol.Prop("Font", func(p *SpeechRequest) uint16 { return p.Font }),
				protocol.Prop("Language", func(p *SpeechRequest) string { return p.Language }),
				protocol.ListProp("Keywords", "Keyword", func(p *SpeechRequest) []Keyword { return p.Keywords },
					protocol.FormatProp("ID", "0x%03X", func(k Keyword) uint16 { return k.ID }),
				),
				protocol.Prop("Text", func(p *SpeechRequest) string { return p.Text }),
			},
			New: func() protocol.Packet { return &SpeechRequest{} },
		},
		{
			Name:       "Screen Size",
			FromClient: true,
			IDs:        []uint16{0xBF, 0x0005},
			Properties: []*protocol.PropertyDefinition{
				protocol.Prop("Width", func(p *ScreenSize) uint16 { return p.Width }),
				protocol.Prop("Height", func(p *ScreenSize) uint16 { return p.Height }),
			},
			New: func() protocol.Packet { return &ScreenSize{} },
		},
		{
			Name:       "Client Language",
			FromClient: true,
			IDs:        []uint16{0xBF, 0x000B},
			Properties: []*protocol.PropertyDefinition{
				protocol.Prop("Language", func(p *ClientLanguage) string { return p.Language }),
			},
			New: func() protocol.Packet { return &ClientLanguage{} },
		},
		{
			Name:       "House Design Build",
			FromClient: true,
			IDs:        []uint16{0xD7, 0x0006},
			Properties: []*protocol.PropertyDefinition{
				protocol.FormatProp("Player", serialFormat, func(p *HouseDesignBuild) uint32 { return p.Player }),
				protocol.Prop("Graphic", func(p *HouseDesignBuild) uint16 { return p.Graphic }).WithTag(protocol.TagTexture),
				protocol.Prop("X", func(p *HouseDesignBuild) uint32 { return p.X }),
				protocol.Prop("Y", func(p *HouseDesignBuild) uint32 { return p.Y }),
			},
			New: func() protocol.Packet { return &HouseDesignBuild{} },
		},
		{
			Name:       "Weapon Ability",
			FromClient: true,
			IDs:        []uint16{0xD7, 0x0019},
			Properties: []*protocol.PropertyDefinition{
				protocol.FormatProp("Player", serialFormat, func(p *WeaponAbility) uint32 { return p.Player }),
				protocol.Prop("Ability", func(p *WeaponAbility) uint32 { return p.Ability }),
			},
			New: func() protocol.Packet { return &WeaponAbility{} },
		},
	}
}

func pingProperties() []*protocol.PropertyDefinition {
	return []*protocol.PropertyDefinition{
		protocol.Prop("Sequence", func(p *Ping) uint8 { return p.Sequence }),
	}
}
