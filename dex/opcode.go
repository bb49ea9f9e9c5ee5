// Copyright The DexRT Authors
// SPDX-License-Identifier: Apache-2.0

package dex // import "github.com/dexvm/dexrt/dex"

// Opcode is the low byte of an instruction's first code unit.
type Opcode uint8

// Format describes how an instruction's operands are packed into code
// units. The names follow the dex convention: digit count of code units,
// register count, then the operand kind.
type Format uint8

const (
	Fmt10x Format = iota
	Fmt12x
	Fmt11n
	Fmt11x
	Fmt10t
	Fmt20t
	Fmt22x
	Fmt21t
	Fmt21s
	Fmt21h
	Fmt21c
	Fmt23x
	Fmt22b
	Fmt22t
	Fmt22s
	Fmt22c
	Fmt30t
	Fmt32x
	Fmt31i
	Fmt31t
	Fmt31c
	Fmt35c
	Fmt3rc
	Fmt45cc
	Fmt4rcc
	Fmt51l
)

// sizes in 16-bit code units per format.
var formatSizes = [...]uint8{
	Fmt10x: 1, Fmt12x: 1, Fmt11n: 1, Fmt11x: 1, Fmt10t: 1,
	Fmt20t: 2, Fmt22x: 2, Fmt21t: 2, Fmt21s: 2, Fmt21h: 2, Fmt21c: 2,
	Fmt23x: 2, Fmt22b: 2, Fmt22t: 2, Fmt22s: 2, Fmt22c: 2,
	Fmt30t: 3, Fmt32x: 3, Fmt31i: 3, Fmt31t: 3, Fmt31c: 3, Fmt35c: 3, Fmt3rc: 3,
	Fmt45cc: 4, Fmt4rcc: 4,
	Fmt51l: 5,
}

// Size returns the instruction size for this format in code units.
func (f Format) Size() int { return int(formatSizes[f]) }

// Opcode values. The numbering is the dex opcode space; slots the dex
// format leaves unused are present so the dispatch table is dense.
const (
	OpNop                     Opcode = 0x00
	OpMove                    Opcode = 0x01
	OpMoveFrom16              Opcode = 0x02
	OpMove16                  Opcode = 0x03
	OpMoveWide                Opcode = 0x04
	OpMoveWideFrom16          Opcode = 0x05
	OpMoveWide16              Opcode = 0x06
	OpMoveObject              Opcode = 0x07
	OpMoveObjectFrom16        Opcode = 0x08
	OpMoveObject16            Opcode = 0x09
	OpMoveResult              Opcode = 0x0a
	OpMoveResultWide          Opcode = 0x0b
	OpMoveResultObject        Opcode = 0x0c
	OpMoveException           Opcode = 0x0d
	OpReturnVoid              Opcode = 0x0e
	OpReturn                  Opcode = 0x0f
	OpReturnWide              Opcode = 0x10
	OpReturnObject            Opcode = 0x11
	OpConst4                  Opcode = 0x12
	OpConst16                 Opcode = 0x13
	OpConst                   Opcode = 0x14
	OpConstHigh16             Opcode = 0x15
	OpConstWide16             Opcode = 0x16
	OpConstWide32             Opcode = 0x17
	OpConstWide               Opcode = 0x18
	OpConstWideHigh16         Opcode = 0x19
	OpConstString             Opcode = 0x1a
	OpConstStringJumbo        Opcode = 0x1b
	OpConstClass              Opcode = 0x1c
	OpMonitorEnter            Opcode = 0x1d
	OpMonitorExit             Opcode = 0x1e
	OpCheckCast               Opcode = 0x1f
	OpInstanceOf              Opcode = 0x20
	OpArrayLength             Opcode = 0x21
	OpNewInstance             Opcode = 0x22
	OpNewArray                Opcode = 0x23
	OpFilledNewArray          Opcode = 0x24
	OpFilledNewArrayRange     Opcode = 0x25
	OpFillArrayData           Opcode = 0x26
	OpThrow                   Opcode = 0x27
	OpGoto                    Opcode = 0x28
	OpGoto16                  Opcode = 0x29
	OpGoto32                  Opcode = 0x2a
	OpPackedSwitch            Opcode = 0x2b
	OpSparseSwitch            Opcode = 0x2c
	OpCmplFloat               Opcode = 0x2d
	OpCmpgFloat               Opcode = 0x2e
	OpCmplDouble              Opcode = 0x2f
	OpCmpgDouble              Opcode = 0x30
	OpCmpLong                 Opcode = 0x31
	OpIfEq                    Opcode = 0x32
	OpIfNe                    Opcode = 0x33
	OpIfLt                    Opcode = 0x34
	OpIfGe                    Opcode = 0x35
	OpIfGt                    Opcode = 0x36
	OpIfLe                    Opcode = 0x37
	OpIfEqz                   Opcode = 0x38
	OpIfNez                   Opcode = 0x39
	OpIfLtz                   Opcode = 0x3a
	OpIfGez                   Opcode = 0x3b
	OpIfGtz                   Opcode = 0x3c
	OpIfLez                   Opcode = 0x3d
	OpAget                    Opcode = 0x44
	OpAgetWide                Opcode = 0x45
	OpAgetObject              Opcode = 0x46
	OpAgetBoolean             Opcode = 0x47
	OpAgetByte                Opcode = 0x48
	OpAgetChar                Opcode = 0x49
	OpAgetShort               Opcode = 0x4a
	OpAput                    Opcode = 0x4b
	OpAputWide                Opcode = 0x4c
	OpAputObject              Opcode = 0x4d
	OpAputBoolean             Opcode = 0x4e
	OpAputByte                Opcode = 0x4f
	OpAputChar                Opcode = 0x50
	OpAputShort               Opcode = 0x51
	OpIget                    Opcode = 0x52
	OpIgetWide                Opcode = 0x53
	OpIgetObject              Opcode = 0x54
	OpIgetBoolean             Opcode = 0x55
	OpIgetByte                Opcode = 0x56
	OpIgetChar                Opcode = 0x57
	OpIgetShort               Opcode = 0x58
	OpIput                    Opcode = 0x59
	OpIputWide                Opcode = 0x5a
	OpIputObject              Opcode = 0x5b
	OpIputBoolean             Opcode = 0x5c
	OpIputByte                Opcode = 0x5d
	OpIputChar                Opcode = 0x5e
	OpIputShort               Opcode = 0x5f
	OpSget                    Opcode = 0x60
	OpSgetWide                Opcode = 0x61
	OpSgetObject              Opcode = 0x62
	OpSgetBoolean             Opcode = 0x63
	OpSgetByte                Opcode = 0x64
	OpSgetChar                Opcode = 0x65
	OpSgetShort               Opcode = 0x66
	OpSput                    Opcode = 0x67
	OpSputWide                Opcode = 0x68
	OpSputObject              Opcode = 0x69
	OpSputBoolean             Opcode = 0x6a
	OpSputByte                Opcode = 0x6b
	OpSputChar                Opcode = 0x6c
	OpSputShort               Opcode = 0x6d
	OpInvokeVirtual           Opcode = 0x6e
	OpInvokeSuper             Opcode = 0x6f
	OpInvokeDirect            Opcode = 0x70
	OpInvokeStatic            Opcode = 0x71
	OpInvokeInterface         Opcode = 0x72
	OpReturnVoidNoBarrier     Opcode = 0x73
	OpInvokeVirtualRange      Opcode = 0x74
	OpInvokeSuperRange        Opcode = 0x75
	OpInvokeDirectRange       Opcode = 0x76
	OpInvokeStaticRange       Opcode = 0x77
	OpInvokeInterfaceRange    Opcode = 0x78
	OpNegInt                  Opcode = 0x7b
	OpNotInt                  Opcode = 0x7c
	OpNegLong                 Opcode = 0x7d
	OpNotLong                 Opcode = 0x7e
	OpNegFloat                Opcode = 0x7f
	OpNegDouble               Opcode = 0x80
	OpIntToLong               Opcode = 0x81
	OpIntToFloat              Opcode = 0x82
	OpIntToDouble             Opcode = 0x83
	OpLongToInt               Opcode = 0x84
	OpLongToFloat             Opcode = 0x85
	OpLongToDouble            Opcode = 0x86
	OpFloatToInt              Opcode = 0x87
	OpFloatToLong             Opcode = 0x88
	OpFloatToDouble           Opcode = 0x89
	OpDoubleToInt             Opcode = 0x8a
	OpDoubleToLong            Opcode = 0x8b
	OpDoubleToFloat           Opcode = 0x8c
	OpIntToByte               Opcode = 0x8d
	OpIntToChar               Opcode = 0x8e
	OpIntToShort              Opcode = 0x8f
	OpAddInt                  Opcode = 0x90
	OpSubInt                  Opcode = 0x91
	OpMulInt                  Opcode = 0x92
	OpDivInt                  Opcode = 0x93
	OpRemInt                  Opcode = 0x94
	OpAndInt                  Opcode = 0x95
	OpOrInt                   Opcode = 0x96
	OpXorInt                  Opcode = 0x97
	OpShlInt                  Opcode = 0x98
	OpShrInt                  Opcode = 0x99
	OpUshrInt                 Opcode = 0x9a
	OpAddLong                 Opcode = 0x9b
	OpSubLong                 Opcode = 0x9c
	OpMulLong                 Opcode = 0x9d
	OpDivLong                 Opcode = 0x9e
	OpRemLong                 Opcode = 0x9f
	OpAndLong                 Opcode = 0xa0
	OpOrLong                  Opcode = 0xa1
	OpXorLong                 Opcode = 0xa2
	OpShlLong                 Opcode = 0xa3
	OpShrLong                 Opcode = 0xa4
	OpUshrLong                Opcode = 0xa5
	OpAddFloat                Opcode = 0xa6
	OpSubFloat                Opcode = 0xa7
	OpMulFloat                Opcode = 0xa8
	OpDivFloat                Opcode = 0xa9
	OpRemFloat                Opcode = 0xaa
	OpAddDouble               Opcode = 0xab
	OpSubDouble               Opcode = 0xac
	OpMulDouble               Opcode = 0xad
	OpDivDouble               Opcode = 0xae
	OpRemDouble               Opcode = 0xaf
	OpAddInt2Addr             Opcode = 0xb0
	OpSubInt2Addr             Opcode = 0xb1
	OpMulInt2Addr             Opcode = 0xb2
	OpDivInt2Addr             Opcode = 0xb3
	OpRemInt2Addr             Opcode = 0xb4
	OpAndInt2Addr             Opcode = 0xb5
	OpOrInt2Addr              Opcode = 0xb6
	OpXorInt2Addr             Opcode = 0xb7
	OpShlInt2Addr             Opcode = 0xb8
	OpShrInt2Addr             Opcode = 0xb9
	OpUshrInt2Addr            Opcode = 0xba
	OpAddLong2Addr            Opcode = 0xbb
	OpSubLong2Addr            Opcode = 0xbc
	OpMulLong2Addr            Opcode = 0xbd
	OpDivLong2Addr            Opcode = 0xbe
	OpRemLong2Addr            Opcode = 0xbf
	OpAndLong2Addr            Opcode = 0xc0
	OpOrLong2Addr             Opcode = 0xc1
	OpXorLong2Addr            Opcode = 0xc2
	OpShlLong2Addr            Opcode = 0xc3
	OpShrLong2Addr            Opcode = 0xc4
	OpUshrLong2Addr           Opcode = 0xc5
	OpAddFloat2Addr           Opcode = 0xc6
	OpSubFloat2Addr           Opcode = 0xc7
	OpMulFloat2Addr           Opcode = 0xc8
	OpDivFloat2Addr           Opcode = 0xc9
	OpRemFloat2Addr           Opcode = 0xca
	OpAddDouble2Addr          Opcode = 0xcb
	OpSubDouble2Addr          Opcode = 0xcc
	OpMulDouble2Addr          Opcode = 0xcd
	OpDivDouble2Addr          Opcode = 0xce
	OpRemDouble2Addr          Opcode = 0xcf
	OpAddIntLit16             Opcode = 0xd0
	OpRsubInt                 Opcode = 0xd1
	OpMulIntLit16             Opcode = 0xd2
	OpDivIntLit16             Opcode = 0xd3
	OpRemIntLit16             Opcode = 0xd4
	OpAndIntLit16             Opcode = 0xd5
	OpOrIntLit16              Opcode = 0xd6
	OpXorIntLit16             Opcode = 0xd7
	OpAddIntLit8              Opcode = 0xd8
	OpRsubIntLit8             Opcode = 0xd9
	OpMulIntLit8              Opcode = 0xda
	OpDivIntLit8              Opcode = 0xdb
	OpRemIntLit8              Opcode = 0xdc
	OpAndIntLit8              Opcode = 0xdd
	OpOrIntLit8               Opcode = 0xde
	OpXorIntLit8              Opcode = 0xdf
	OpShlIntLit8              Opcode = 0xe0
	OpShrIntLit8              Opcode = 0xe1
	OpUshrIntLit8             Opcode = 0xe2
	OpIgetQuick               Opcode = 0xe3
	OpIgetWideQuick           Opcode = 0xe4
	OpIgetObjectQuick         Opcode = 0xe5
	OpIputQuick               Opcode = 0xe6
	OpIputWideQuick           Opcode = 0xe7
	OpIputObjectQuick         Opcode = 0xe8
	OpInvokeVirtualQuick      Opcode = 0xe9
	OpInvokeVirtualRangeQuick Opcode = 0xea
	OpIputBooleanQuick        Opcode = 0xeb
	OpIputByteQuick           Opcode = 0xec
	OpIputCharQuick           Opcode = 0xed
	OpIputShortQuick          Opcode = 0xee
	OpIgetBooleanQuick        Opcode = 0xef
	OpIgetByteQuick           Opcode = 0xf0
	OpIgetCharQuick           Opcode = 0xf1
	OpIgetShortQuick          Opcode = 0xf2
	OpInvokePolymorphic       Opcode = 0xfa
	OpInvokePolymorphicRange  Opcode = 0xfb
	OpInvokeCustom            Opcode = 0xfc
	OpInvokeCustomRange       Opcode = 0xfd
)

// Switch and array payload magics. Payload pseudo-instructions share the
// NOP opcode byte; the high byte of the first code unit discriminates.
const (
	PackedSwitchSignature  uint16 = 0x0100
	SparseSwitchSignature  uint16 = 0x0200
	FillArrayDataSignature uint16 = 0x0300
)

type opcodeInfo struct {
	name         string
	format       Format
	experimental bool
}

var opcodeTable = [256]opcodeInfo{
	OpNop:                     {"nop", Fmt10x, false},
	OpMove:                    {"move", Fmt12x, false},
	OpMoveFrom16:              {"move/from16", Fmt22x, false},
	OpMove16:                  {"move/16", Fmt32x, false},
	OpMoveWide:                {"move-wide", Fmt12x, false},
	OpMoveWideFrom16:          {"move-wide/from16", Fmt22x, false},
	OpMoveWide16:              {"move-wide/16", Fmt32x, false},
	OpMoveObject:              {"move-object", Fmt12x, false},
	OpMoveObjectFrom16:        {"move-object/from16", Fmt22x, false},
	OpMoveObject16:            {"move-object/16", Fmt32x, false},
	OpMoveResult:              {"move-result", Fmt11x, false},
	OpMoveResultWide:          {"move-result-wide", Fmt11x, false},
	OpMoveResultObject:        {"move-result-object", Fmt11x, false},
	OpMoveException:           {"move-exception", Fmt11x, false},
	OpReturnVoid:              {"return-void", Fmt10x, false},
	OpReturn:                  {"return", Fmt11x, false},
	OpReturnWide:              {"return-wide", Fmt11x, false},
	OpReturnObject:            {"return-object", Fmt11x, false},
	OpConst4:                  {"const/4", Fmt11n, false},
	OpConst16:                 {"const/16", Fmt21s, false},
	OpConst:                   {"const", Fmt31i, false},
	OpConstHigh16:             {"const/high16", Fmt21h, false},
	OpConstWide16:             {"const-wide/16", Fmt21s, false},
	OpConstWide32:             {"const-wide/32", Fmt31i, false},
	OpConstWide:               {"const-wide", Fmt51l, false},
	OpConstWideHigh16:         {"const-wide/high16", Fmt21h, false},
	OpConstString:             {"const-string", Fmt21c, false},
	OpConstStringJumbo:        {"const-string/jumbo", Fmt31c, false},
	OpConstClass:              {"const-class", Fmt21c, false},
	OpMonitorEnter:            {"monitor-enter", Fmt11x, false},
	OpMonitorExit:             {"monitor-exit", Fmt11x, false},
	OpCheckCast:               {"check-cast", Fmt21c, false},
	OpInstanceOf:              {"instance-of", Fmt22c, false},
	OpArrayLength:             {"array-length", Fmt12x, false},
	OpNewInstance:             {"new-instance", Fmt21c, false},
	OpNewArray:                {"new-array", Fmt22c, false},
	OpFilledNewArray:          {"filled-new-array", Fmt35c, false},
	OpFilledNewArrayRange:     {"filled-new-array/range", Fmt3rc, false},
	OpFillArrayData:           {"fill-array-data", Fmt31t, false},
	OpThrow:                   {"throw", Fmt11x, false},
	OpGoto:                    {"goto", Fmt10t, false},
	OpGoto16:                  {"goto/16", Fmt20t, false},
	OpGoto32:                  {"goto/32", Fmt30t, false},
	OpPackedSwitch:            {"packed-switch", Fmt31t, false},
	OpSparseSwitch:            {"sparse-switch", Fmt31t, false},
	OpCmplFloat:               {"cmpl-float", Fmt23x, false},
	OpCmpgFloat:               {"cmpg-float", Fmt23x, false},
	OpCmplDouble:              {"cmpl-double", Fmt23x, false},
	OpCmpgDouble:              {"cmpg-double", Fmt23x, false},
	OpCmpLong:                 {"cmp-long", Fmt23x, false},
	OpIfEq:                    {"if-eq", Fmt22t, false},
	OpIfNe:                    {"if-ne", Fmt22t, false},
	OpIfLt:                    {"if-lt", Fmt22t, false},
	OpIfGe:                    {"if-ge", Fmt22t, false},
	OpIfGt:                    {"if-gt", Fmt22t, false},
	OpIfLe:                    {"if-le", Fmt22t, false},
	OpIfEqz:                   {"if-eqz", Fmt21t, false},
	OpIfNez:                   {"if-nez", Fmt21t, false},
	OpIfLtz:                   {"if-ltz", Fmt21t, false},
	OpIfGez:                   {"if-gez", Fmt21t, false},
	OpIfGtz:                   {"if-gtz", Fmt21t, false},
	OpIfLez:                   {"if-lez", Fmt21t, false},
	OpAget:                    {"aget", Fmt23x, false},
	OpAgetWide:                {"aget-wide", Fmt23x, false},
	OpAgetObject:              {"aget-object", Fmt23x, false},
	OpAgetBoolean:             {"aget-boolean", Fmt23x, false},
	OpAgetByte:                {"aget-byte", Fmt23x, false},
	OpAgetChar:                {"aget-char", Fmt23x, false},
	OpAgetShort:               {"aget-short", Fmt23x, false},
	OpAput:                    {"aput", Fmt23x, false},
	OpAputWide:                {"aput-wide", Fmt23x, false},
	OpAputObject:              {"aput-object", Fmt23x, false},
	OpAputBoolean:             {"aput-boolean", Fmt23x, false},
	OpAputByte:                {"aput-byte", Fmt23x, false},
	OpAputChar:                {"aput-char", Fmt23x, false},
	OpAputShort:               {"aput-short", Fmt23x, false},
	OpIget:                    {"iget", Fmt22c, false},
	OpIgetWide:                {"iget-wide", Fmt22c, false},
	OpIgetObject:              {"iget-object", Fmt22c, false},
	OpIgetBoolean:             {"iget-boolean", Fmt22c, false},
	OpIgetByte:                {"iget-byte", Fmt22c, false},
	OpIgetChar:                {"iget-char", Fmt22c, false},
	OpIgetShort:               {"iget-short", Fmt22c, false},
	OpIput:                    {"iput", Fmt22c, false},
	OpIputWide:                {"iput-wide", Fmt22c, false},
	OpIputObject:              {"iput-object", Fmt22c, false},
	OpIputBoolean:             {"iput-boolean", Fmt22c, false},
	OpIputByte:                {"iput-byte", Fmt22c, false},
	OpIputChar:                {"iput-char", Fmt22c, false},
	OpIputShort:               {"iput-short", Fmt22c, false},
	OpSget:                    {"sget", Fmt21c, false},
	OpSgetWide:                {"sget-wide", Fmt21c, false},
	OpSgetObject:              {"sget-object", Fmt21c, false},
	OpSgetBoolean:             {"sget-boolean", Fmt21c, false},
	OpSgetByte:                {"sget-byte", Fmt21c, false},
	OpSgetChar:                {"sget-char", Fmt21c, false},
	OpSgetShort:               {"sget-short", Fmt21c, false},
	OpSput:                    {"sput", Fmt21c, false},
	OpSputWide:                {"sput-wide", Fmt21c, false},
	OpSputObject:              {"sput-object", Fmt21c, false},
	OpSputBoolean:             {"sput-boolean", Fmt21c, false},
	OpSputByte:                {"sput-byte", Fmt21c, false},
	OpSputChar:                {"sput-char", Fmt21c, false},
	OpSputShort:               {"sput-short", Fmt21c, false},
	OpInvokeVirtual:           {"invoke-virtual", Fmt35c, false},
	OpInvokeSuper:             {"invoke-super", Fmt35c, false},
	OpInvokeDirect:            {"invoke-direct", Fmt35c, false},
	OpInvokeStatic:            {"invoke-static", Fmt35c, false},
	OpInvokeInterface:         {"invoke-interface", Fmt35c, false},
	OpReturnVoidNoBarrier:     {"return-void-no-barrier", Fmt10x, false},
	OpInvokeVirtualRange:      {"invoke-virtual/range", Fmt3rc, false},
	OpInvokeSuperRange:        {"invoke-super/range", Fmt3rc, false},
	OpInvokeDirectRange:       {"invoke-direct/range", Fmt3rc, false},
	OpInvokeStaticRange:       {"invoke-static/range", Fmt3rc, false},
	OpInvokeInterfaceRange:    {"invoke-interface/range", Fmt3rc, false},
	OpNegInt:                  {"neg-int", Fmt12x, false},
	OpNotInt:                  {"not-int", Fmt12x, false},
	OpNegLong:                 {"neg-long", Fmt12x, false},
	OpNotLong:                 {"not-long", Fmt12x, false},
	OpNegFloat:                {"neg-float", Fmt12x, false},
	OpNegDouble:               {"neg-double", Fmt12x, false},
	OpIntToLong:               {"int-to-long", Fmt12x, false},
	OpIntToFloat:              {"int-to-float", Fmt12x, false},
	OpIntToDouble:             {"int-to-double", Fmt12x, false},
	OpLongToInt:               {"long-to-int", Fmt12x, false},
	OpLongToFloat:             {"long-to-float", Fmt12x, false},
	OpLongToDouble:            {"long-to-double", Fmt12x, false},
	OpFloatToInt:              {"float-to-int", Fmt12x, false},
	OpFloatToLong:             {"float-to-long", Fmt12x, false},
	OpFloatToDouble:           {"float-to-double", Fmt12x, false},
	OpDoubleToInt:             {"double-to-int", Fmt12x, false},
	OpDoubleToLong:            {"double-to-long", Fmt12x, false},
	OpDoubleToFloat:           {"double-to-float", Fmt12x, false},
	OpIntToByte:               {"int-to-byte", Fmt12x, false},
	OpIntToChar:               {"int-to-char", Fmt12x, false},
	OpIntToShort:              {"int-to-short", Fmt12x, false},
	OpAddInt:                  {"add-int", Fmt23x, false},
	OpSubInt:                  {"sub-int", Fmt23x, false},
	OpMulInt:                  {"mul-int", Fmt23x, false},
	OpDivInt:                  {"div-int", Fmt23x, false},
	OpRemInt:                  {"rem-int", Fmt23x, false},
	OpAndInt:                  {"and-int", Fmt23x, false},
	OpOrInt:                   {"or-int", Fmt23x, false},
	OpXorInt:                  {"xor-int", Fmt23x, false},
	OpShlInt:                  {"shl-int", Fmt23x, false},
	OpShrInt:                  {"shr-int", Fmt23x, false},
	OpUshrInt:                 {"ushr-int", Fmt23x, false},
	OpAddLong:                 {"add-long", Fmt23x, false},
	OpSubLong:                 {"sub-long", Fmt23x, false},
	OpMulLong:                 {"mul-long", Fmt23x, false},
	OpDivLong:                 {"div-long", Fmt23x, false},
	OpRemLong:                 {"rem-long", Fmt23x, false},
	OpAndLong:                 {"and-long", Fmt23x, false},
	OpOrLong:                  {"or-long", Fmt23x, false},
	OpXorLong:                 {"xor-long", Fmt23x, false},
	OpShlLong:                 {"shl-long", Fmt23x, false},
	OpShrLong:                 {"shr-long", Fmt23x, false},
	OpUshrLong:                {"ushr-long", Fmt23x, false},
	OpAddFloat:                {"add-float", Fmt23x, false},
	OpSubFloat:                {"sub-float", Fmt23x, false},
	OpMulFloat:                {"mul-float", Fmt23x, false},
	OpDivFloat:                {"div-float", Fmt23x, false},
	OpRemFloat:                {"rem-float", Fmt23x, false},
	OpAddDouble:               {"add-double", Fmt23x, false},
	OpSubDouble:               {"sub-double", Fmt23x, false},
	OpMulDouble:               {"mul-double", Fmt23x, false},
	OpDivDouble:               {"div-double", Fmt23x, false},
	OpRemDouble:               {"rem-double", Fmt23x, false},
	OpAddInt2Addr:             {"add-int/2addr", Fmt12x, false},
	OpSubInt2Addr:             {"sub-int/2addr", Fmt12x, false},
	OpMulInt2Addr:             {"mul-int/2addr", Fmt12x, false},
	OpDivInt2Addr:             {"div-int/2addr", Fmt12x, false},
	OpRemInt2Addr:             {"rem-int/2addr", Fmt12x, false},
	OpAndInt2Addr:             {"and-int/2addr", Fmt12x, false},
	OpOrInt2Addr:              {"or-int/2addr", Fmt12x, false},
	OpXorInt2Addr:             {"xor-int/2addr", Fmt12x, false},
	OpShlInt2Addr:             {"shl-int/2addr", Fmt12x, false},
	OpShrInt2Addr:             {"shr-int/2addr", Fmt12x, false},
	OpUshrInt2Addr:            {"ushr-int/2addr", Fmt12x, false},
	OpAddLong2Addr:            {"add-long/2addr", Fmt12x, false},
	OpSubLong2Addr:            {"sub-long/2addr", Fmt12x, false},
	OpMulLong2Addr:            {"mul-long/2addr", Fmt12x, false},
	OpDivLong2Addr:            {"div-long/2addr", Fmt12x, false},
	OpRemLong2Addr:            {"rem-long/2addr", Fmt12x, false},
	OpAndLong2Addr:            {"and-long/2addr", Fmt12x, false},
	OpOrLong2Addr:             {"or-long/2addr", Fmt12x, false},
	OpXorLong2Addr:            {"xor-long/2addr", Fmt12x, false},
	OpShlLong2Addr:            {"shl-long/2addr", Fmt12x, false},
	OpShrLong2Addr:            {"shr-long/2addr", Fmt12x, false},
	OpUshrLong2Addr:           {"ushr-long/2addr", Fmt12x, false},
	OpAddFloat2Addr:           {"add-float/2addr", Fmt12x, false},
	OpSubFloat2Addr:           {"sub-float/2addr", Fmt12x, false},
	OpMulFloat2Addr:           {"mul-float/2addr", Fmt12x, false},
	OpDivFloat2Addr:           {"div-float/2addr", Fmt12x, false},
	OpRemFloat2Addr:           {"rem-float/2addr", Fmt12x, false},
	OpAddDouble2Addr:          {"add-double/2addr", Fmt12x, false},
	OpSubDouble2Addr:          {"sub-double/2addr", Fmt12x, false},
	OpMulDouble2Addr:          {"mul-double/2addr", Fmt12x, false},
	OpDivDouble2Addr:          {"div-double/2addr", Fmt12x, false},
	OpRemDouble2Addr:          {"rem-double/2addr", Fmt12x, false},
	OpAddIntLit16:             {"add-int/lit16", Fmt22s, false},
	OpRsubInt:                 {"rsub-int", Fmt22s, false},
	OpMulIntLit16:             {"mul-int/lit16", Fmt22s, false},
	OpDivIntLit16:             {"div-int/lit16", Fmt22s, false},
	OpRemIntLit16:             {"rem-int/lit16", Fmt22s, false},
	OpAndIntLit16:             {"and-int/lit16", Fmt22s, false},
	OpOrIntLit16:              {"or-int/lit16", Fmt22s, false},
	OpXorIntLit16:             {"xor-int/lit16", Fmt22s, false},
	OpAddIntLit8:              {"add-int/lit8", Fmt22b, false},
	OpRsubIntLit8:             {"rsub-int/lit8", Fmt22b, false},
	OpMulIntLit8:              {"mul-int/lit8", Fmt22b, false},
	OpDivIntLit8:              {"div-int/lit8", Fmt22b, false},
	OpRemIntLit8:              {"rem-int/lit8", Fmt22b, false},
	OpAndIntLit8:              {"and-int/lit8", Fmt22b, false},
	OpOrIntLit8:               {"or-int/lit8", Fmt22b, false},
	OpXorIntLit8:              {"xor-int/lit8", Fmt22b, false},
	OpShlIntLit8:              {"shl-int/lit8", Fmt22b, false},
	OpShrIntLit8:              {"shr-int/lit8", Fmt22b, false},
	OpUshrIntLit8:             {"ushr-int/lit8", Fmt22b, false},
	OpIgetQuick:               {"iget-quick", Fmt22c, false},
	OpIgetWideQuick:           {"iget-wide-quick", Fmt22c, false},
	OpIgetObjectQuick:         {"iget-object-quick", Fmt22c, false},
	OpIputQuick:               {"iput-quick", Fmt22c, false},
	OpIputWideQuick:           {"iput-wide-quick", Fmt22c, false},
	OpIputObjectQuick:         {"iput-object-quick", Fmt22c, false},
	OpInvokeVirtualQuick:      {"invoke-virtual-quick", Fmt35c, false},
	OpInvokeVirtualRangeQuick: {"invoke-virtual/range-quick", Fmt3rc, false},
	OpIputBooleanQuick:        {"iput-boolean-quick", Fmt22c, false},
	OpIputByteQuick:           {"iput-byte-quick", Fmt22c, false},
	OpIputCharQuick:           {"iput-char-quick", Fmt22c, false},
	OpIputShortQuick:          {"iput-short-quick", Fmt22c, false},
	OpIgetBooleanQuick:        {"iget-boolean-quick", Fmt22c, false},
	OpIgetByteQuick:           {"iget-byte-quick", Fmt22c, false},
	OpIgetCharQuick:           {"iget-char-quick", Fmt22c, false},
	OpIgetShortQuick:          {"iget-short-quick", Fmt22c, false},
	OpInvokePolymorphic:       {"invoke-polymorphic", Fmt45cc, true},
	OpInvokePolymorphicRange:  {"invoke-polymorphic/range", Fmt4rcc, true},
	OpInvokeCustom:            {"invoke-custom", Fmt35c, true},
	OpInvokeCustomRange:       {"invoke-custom/range", Fmt3rc, true},
}

func init() {
	// Unused opcode slots decode as 1-unit instructions so a walk over a
	// bad stream cannot loop in place on a zero size.
	for i := range opcodeTable {
		if opcodeTable[i].name == "" {
			opcodeTable[i] = opcodeInfo{"unused", Fmt10x, false}
		}
	}
}

// Name returns the opcode mnemonic.
func (op Opcode) Name() string { return opcodeTable[op].name }

// Format returns the operand packing format for the opcode.
func (op Opcode) Format() Format { return opcodeTable[op].format }

// IsExperimental reports whether the opcode needs the experimental-opcode
// runtime flag.
func (op Opcode) IsExperimental() bool { return opcodeTable[op].experimental }

// IsInvoke reports whether the opcode is any of the invoke kinds.
func (op Opcode) IsInvoke() bool {
	switch op {
	case OpInvokeVirtual, OpInvokeSuper, OpInvokeDirect, OpInvokeStatic,
		OpInvokeInterface, OpInvokeVirtualRange, OpInvokeSuperRange,
		OpInvokeDirectRange, OpInvokeStaticRange, OpInvokeInterfaceRange,
		OpInvokeVirtualQuick, OpInvokeVirtualRangeQuick,
		OpInvokePolymorphic, OpInvokePolymorphicRange,
		OpInvokeCustom, OpInvokeCustomRange:
		return true
	}
	return false
}

// IsBackwardBranchCapable reports whether the opcode can branch backwards
// and therefore carries a suspend poll and a hotness backedge sample.
func (op Opcode) IsBackwardBranchCapable() bool {
	switch op {
	case OpGoto, OpGoto16, OpGoto32, OpPackedSwitch, OpSparseSwitch,
		OpIfEq, OpIfNe, OpIfLt, OpIfGe, OpIfGt, OpIfLe,
		OpIfEqz, OpIfNez, OpIfLtz, OpIfGez, OpIfGtz, OpIfLez:
		return true
	}
	return false
}

func (op Opcode) String() string { return op.Name() }
