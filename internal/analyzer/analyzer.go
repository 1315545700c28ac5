// Package analyzer locates the network entry points and anti-debug checks of a
// client executable by signature.
package analyzer

import (
	"errors"
	"fmt"
	"strings"

	"github.com/echotools/uospy/internal/client"
	"github.com/echotools/uospy/internal/debugger"
	"github.com/echotools/uospy/internal/signature"
	"github.com/samber/lo"
)

// ErrSignatureNotFound reports that a required entry point is missing.
var ErrSignatureNotFound = errors.New("signature not found")

// target is one signature of a generation. adjust is added to the match
// offset and the image base to reach the instruction that is hooked or
// patched.
type target struct {
	name     string
	sig      signature.Signature
	adjust   uint32
	required bool
	apply    func(k *client.Keys, addr uint32)
}

var generations = map[client.Generation][]target{
	client.Classic: {
		{
			name: "send",
			// push edi; push esi; mov ecx, ebx; call encrypt; test eax, eax; jz
			sig:      signature.MustParse("57 56 8B CB E8 ?? ?? ?? ?? 85 C0 74 ??"),
			required: true,
			apply: func(k *client.Keys, addr uint32) {
				k.Send = client.Hook{Address: addr, Data: debugger.ESI, Length: debugger.EDI}
			},
		},
		{
			name: "receive",
			// mov eax, [esp+n]; movzx ecx, cx; push ecx; push eax; mov ecx, esi; call handler
			sig:      signature.MustParse("8B 44 24 ?? 0F B7 C9 51 50 8B CE E8 ?? ?? ?? ??"),
			adjust:   7,
			required: true,
			apply: func(k *client.Keys, addr uint32) {
				k.Receive = client.Hook{Address: addr, Data: debugger.EAX, Length: debugger.ECX}
			},
		},
		{
			name: "anti-debug peb",
			// mov eax, fs:[30h]; movzx eax, byte [eax+2]; mov [ebp-4], eax; cmp [ebp-4], 0; jz
			sig:    signature.MustParse("64 A1 30 00 00 00 0F B6 40 02 89 45 FC 83 7D FC 00 74 ??"),
			adjust: 17,
			apply: func(k *client.Keys, addr uint32) {
				k.AntiDebug = append(k.AntiDebug, client.Patch{Address: addr, Bytes: []byte{0xEB}})
			},
		},
		{
			name: "anti-debug api",
			// call [IsDebuggerPresent]; test eax, eax; mov [esi+n], eax; push 0; jnz near
			sig:    signature.MustParse("FF 15 ?? ?? ?? ?? 85 C0 89 46 ?? 6A 00 0F 85 ?? ?? ?? ??"),
			adjust: 13,
			apply: func(k *client.Keys, addr uint32) {
				k.AntiDebug = append(k.AntiDebug, client.Patch{Address: addr, Bytes: []byte{0x90, 0x90, 0x90, 0x90, 0x90, 0x90}})
			},
		},
	},
	client.Enhanced: {
		{
			name: "send",
			// push ecx; mov ecx, esi; call queue; test al, al; jnz; mov eax, [ebp+n]
			sig:      signature.MustParse("51 8B CE E8 ?? ?? ?? ?? 84 C0 75 ?? 8B 45 ??"),
			required: true,
			apply: func(k *client.Keys, addr uint32) {
				k.Send = client.Hook{Address: addr, Data: debugger.ECX, Length: debugger.EDX}
			},
		},
		{
			name: "receive",
			// Prologue of the dispatch routine; the descriptor is in edi 0x25 bytes in.
			sig:      signature.MustParse("55 8B EC 83 E4 F8 83 EC ?? 53 56 57 8B F9 8B 47 ?? 2B 47 ??"),
			adjust:   0x25,
			required: true,
			apply: func(k *client.Keys, addr uint32) {
				k.Receive = client.Hook{Address: addr, Data: debugger.EDI, Length: debugger.EBX}
			},
		},
		{
			name: "filename hash",
			// lookup3 hashlittle2 seeding with 0xDEADBEEF
			sig: signature.MustParse("55 8B EC 83 EC ?? 8B 45 ?? 53 56 57 8D B8 EF BE AD DE"),
			apply: func(k *client.Keys, addr uint32) {
				k.FilenameHash = addr
			},
		},
	},
}

// Result is the outcome of one analysis run. Missing lists the names of
// signatures that were not found, in declaration order.
type Result struct {
	Keys    client.Keys
	Missing []string
}

// Err returns ErrSignatureNotFound when a hooked entry point is missing.
// Missing anti-debug or hash signatures are not errors.
func (r Result) Err() error {
	var required []string
	for _, t := range generations[r.Keys.Generation] {
		if t.required && lo.Contains(r.Missing, t.name) {
			required = append(required, t.name)
		}
	}
	if len(required) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrSignatureNotFound, strings.Join(required, ", "))
}

// Analyze scans img once for every signature of gen. The first match per
// signature wins.
func Analyze(gen client.Generation, img *Image) (Result, error) {
	targets, ok := generations[gen]
	if !ok {
		return Result{}, fmt.Errorf("no signatures for %s client", gen)
	}

	sigs := make([]signature.Signature, len(targets))
	for i, t := range targets {
		sigs[i] = t.sig
	}
	offsets := signature.FindFirst(img.Data, sigs...)

	res := Result{Keys: client.Keys{Generation: gen, TimeDateStamp: img.TimeDateStamp}}
	for i, t := range targets {
		if offsets[i] < 0 {
			res.Missing = append(res.Missing, t.name)
			continue
		}
		t.apply(&res.Keys, uint32(offsets[i])+img.ImageBase+t.adjust)
	}
	return res, nil
}

// Signatures returns the signature names of gen in scan order.
func Signatures(gen client.Generation) []string {
	targets := generations[gen]
	names := make([]string, len(targets))
	for i, t := range targets {
		names[i] = t.name
	}
	return names
}
